package main

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/norasector/tandem/pkg/device/camera"
	"github.com/norasector/tandem/pkg/device/daq"
	"github.com/spf13/cobra"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <recording>",
	Short: "Summarize a camera (.cbor) or DAQ (.tdaq) recording",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		switch filepath.Ext(args[0]) {
		case ".cbor":
			return inspectContainer(out, args[0])
		case ".tdaq":
			return inspectDAQ(out, args[0])
		default:
			return fmt.Errorf("unrecognized recording %s", args[0])
		}
	},
}

func inspectContainer(out io.Writer, path string) error {
	r, err := camera.OpenContainer(path)
	if err != nil {
		return err
	}
	defer r.Close()

	var (
		frames        int
		first, last   *camera.Frame
		gaps          int
		width, height int
	)
	for {
		f, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("frame %d: %w", frames+1, err)
		}
		if first == nil {
			first = f
			width, height = f.Width, f.Height
		} else if f.Seq != last.Seq+1 {
			gaps++
		}
		last = f
		frames++
	}

	fmt.Fprintf(out, "file:    %s\nframes:  %d\n", path, frames)
	if frames == 0 {
		return nil
	}
	fmt.Fprintf(out, "size:    %dx%d\nseq:     %d..%d (%d gaps)\n", width, height, first.Seq, last.Seq, gaps)
	if frames > 1 {
		span := time.Duration(last.DeviceTS - first.DeviceTS)
		fmt.Fprintf(out, "span:    %s\nrate:    %.2f fps\n", span, float64(frames-1)/span.Seconds())
	}
	return nil
}

func inspectDAQ(out io.Writer, path string) error {
	h, rows, err := daq.ReadFile(path)
	if err != nil {
		return err
	}
	scans := 0
	for _, row := range rows {
		if n := len(h.Channels); n > 0 {
			scans += len(row) / n
		}
	}
	fmt.Fprintf(out, "file:     %s\ndevice:   %s (%s)\nsession:  %s\nstarted:  %s\n", path, h.Device, h.Serial, h.Session, h.Started)
	fmt.Fprintf(out, "rate:     %g Hz\nbatches:  %d\nscans:    %d\n", h.ScanRate, len(rows), scans)
	if h.ScanRate > 0 {
		fmt.Fprintf(out, "duration: %s\n", time.Duration(float64(scans)/h.ScanRate*float64(time.Second)))
	}
	for _, ch := range h.Channels {
		fmt.Fprintf(out, "channel:  %s <%s>\n", ch.Name, ch.Label)
	}
	return nil
}
