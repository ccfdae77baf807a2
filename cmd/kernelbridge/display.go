package main

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"kernelbridge/internal/interp/shell"
	"kernelbridge/pkg/mimedict"
)

var (
	displayData  []string
	displayFiles []string
	displayFD    int
	displayWidth int
)

var displayCmd = &cobra.Command{
	Use:   "display",
	Short: "Send a display payload to the kernel (run inside a cell)",
	Long: `Send one MIME dictionary on the display channel of the running cell.

  kernelbridge display --data text/plain=hello --file image/png=plot.png

Binary files are base64 encoded, text types are sent as they are.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dict, err := buildDisplayDict(displayData, displayFiles)
		if err != nil {
			return err
		}
		fd := displayFD
		if fd == 0 {
			if fd, err = strconv.Atoi(os.Getenv(shell.DisplayFDEnv)); err != nil {
				return fmt.Errorf("no display channel: set --fd or $%s", shell.DisplayFDEnv)
			}
		}
		f := os.NewFile(uintptr(fd), "display")
		defer func() { _ = f.Close() }()
		if err := mimedict.Encode(f, dict, displayWidth); err != nil {
			return fmt.Errorf("failed to send display data: %w", err)
		}
		return nil
	},
}

func init() {
	displayCmd.Flags().StringArrayVarP(&displayData, "data", "d", nil, "MIME type and value, e.g. text/html=<b>hi</b> (repeatable)")
	displayCmd.Flags().StringArrayVarP(&displayFiles, "file", "f", nil, "MIME type and file path, e.g. image/png=plot.png (repeatable)")
	displayCmd.Flags().IntVar(&displayFD, "fd", 0, "Display channel descriptor (default: $"+shell.DisplayFDEnv+")")
	displayCmd.Flags().IntVar(&displayWidth, "width", mimedict.NativeWidth, "Integer width on the wire, 4 or 8")
}

// buildDisplayDict assembles the dictionary in flag order, --data entries first
func buildDisplayDict(data, files []string) (mimedict.Dict, error) {
	var dict mimedict.Dict
	for _, d := range data {
		mime, value, err := splitEntry(d)
		if err != nil {
			return mimedict.Dict{}, err
		}
		dict.Set(mime, value)
	}
	for _, f := range files {
		mime, path, err := splitEntry(f)
		if err != nil {
			return mimedict.Dict{}, err
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return mimedict.Dict{}, fmt.Errorf("failed to read %s: %w", path, err)
		}
		if isTextType(mime) {
			dict.Set(mime, string(content))
		} else {
			dict.Set(mime, base64.StdEncoding.EncodeToString(content))
		}
	}
	if dict.Len() == 0 {
		return mimedict.Dict{}, fmt.Errorf("nothing to display: use --data or --file")
	}
	return dict, nil
}

func splitEntry(s string) (mime, value string, err error) {
	mime, value, ok := strings.Cut(s, "=")
	if !ok || !strings.Contains(mime, "/") {
		return "", "", fmt.Errorf("invalid entry %q: expected type/subtype=value", s)
	}
	return mime, value, nil
}

func isTextType(mime string) bool {
	return strings.HasPrefix(mime, "text/") ||
		strings.HasSuffix(mime, "+xml") ||
		strings.HasSuffix(mime, "json") ||
		mime == "application/javascript"
}
