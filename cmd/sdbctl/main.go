// sdbctl inspects table files and restores backups offline.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"unicode"

	"metasdb/pkg/backup"
	"metasdb/pkg/record"
)

const usage = `usage:
  sdbctl dump [-max-row-size N] <file.db>
  sdbctl restore <archive.tar.zst> <dir>
`

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "sdbctl: %v\n", err)
		os.Exit(1)
	}
}

var errUsage = errors.New("bad usage")

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(out, usage)
		return errUsage
	}

	switch args[0] {
	case "dump":
		fs := flag.NewFlagSet("dump", flag.ContinueOnError)
		fs.SetOutput(out)
		maxRowSize := fs.Int("max-row-size", 64<<10, "largest payload accepted as a record")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		if fs.NArg() != 1 {
			fmt.Fprint(out, usage)
			return errUsage
		}
		return dump(fs.Arg(0), *maxRowSize, out)
	case "restore":
		if len(args) != 3 {
			fmt.Fprint(out, usage)
			return errUsage
		}
		return restore(args[1], args[2], out)
	default:
		fmt.Fprint(out, usage)
		return fmt.Errorf("%w: unknown command %q", errUsage, args[0])
	}
}

func dump(path string, maxRowSize int, out io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	buf := make([]byte, record.HeaderSize)
	if _, err := io.ReadFull(f, buf); err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	hdr, err := record.DecodeHeader(buf)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "header sw_version=%d file_version=%d\n", hdr.SWVersion, hdr.FileVersion)

	var (
		sc      = record.NewScanner(f, record.HeaderSize, maxRowSize)
		records int
		deletes int
	)
	for {
		rec, err := sc.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if rec.IsCheckpoint() {
			cp, err := record.DecodeCheckpoint(rec.Payload)
			if err != nil {
				return fmt.Errorf("checkpoint at %d: %w", rec.Offset, err)
			}
			fmt.Fprintf(out, "%10d ckpt id=%d auto_index=%d\n", rec.Offset, cp.ID, cp.AutoIndex)
			continue
		}
		records++
		kind := "row"
		if rec.IsDelete() {
			kind = "del"
			deletes++
		}
		fmt.Fprintf(out, "%10d %s id=%d size=%d %s\n",
			rec.Offset, kind, rec.AbsID(), len(rec.Payload), preview(rec.Payload))
	}

	fmt.Fprintf(out, "records=%d deletes=%d skipped_bytes=%d end=%d\n",
		records, deletes, sc.Skipped(), sc.Offset())
	return nil
}

// preview renders the start of a payload, quoting printable runs.
func preview(p []byte) string {
	const limit = 32
	short := p
	if len(short) > limit {
		short = short[:limit]
	}
	printable := true
	for _, b := range short {
		if b != 0 && (b >= unicode.MaxASCII || !unicode.IsPrint(rune(b))) {
			printable = false
			break
		}
	}

	var s string
	if printable {
		s = strconv.Quote(string(short))
	} else {
		s = fmt.Sprintf("%x", short)
	}
	if len(p) > limit {
		s += "..."
	}
	return s
}

func restore(archive, dir string, out io.Writer) error {
	f, err := os.Open(archive)
	if err != nil {
		return err
	}
	defer f.Close()

	names, err := backup.Restore(f, dir)
	for _, name := range names {
		fmt.Fprintf(out, "restored %s\n", name)
	}
	return err
}
