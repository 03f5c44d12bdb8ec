package camera

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"io"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/norasector/tandem/pkg/attr"
)

const (
	EncoderRaw  = "raw"
	EncoderJPEG = "jpeg"

	formatMono8 = "mono8"
	formatJPEG  = "jpeg"

	jpegQuality = 90
)

var ErrUnknownEncoder = fmt.Errorf("%w: unknown encoder", attr.ErrConfiguration)

type record struct {
	Seq      uint64 `cbor:"1,keyasint"`
	Width    int    `cbor:"2,keyasint"`
	Height   int    `cbor:"3,keyasint"`
	Format   string `cbor:"4,keyasint"`
	DeviceTS int64  `cbor:"5,keyasint"`
	HostTS   int64  `cbor:"6,keyasint"`
	Data     []byte `cbor:"7,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{
		Sort:        cbor.SortCanonical,
		IndefLength: cbor.IndefLengthForbidden,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create frame encoder mode: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyQuiet,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create frame decoder mode: %v", err))
	}
}

func checkEncoder(name string) (string, error) {
	switch name {
	case "", EncoderRaw:
		return EncoderRaw, nil
	case EncoderJPEG:
		return EncoderJPEG, nil
	}
	return "", fmt.Errorf("%w %q", ErrUnknownEncoder, name)
}

// ContainerWriter appends frames to a CBOR record stream.
type ContainerWriter struct {
	file    *os.File
	buf     *bufio.Writer
	enc     *cbor.Encoder
	encoder string
	scratch bytes.Buffer
}

func CreateContainer(path, encoder string) (*ContainerWriter, error) {
	encoder, err := checkEncoder(encoder)
	if err != nil {
		return nil, err
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	buf := bufio.NewWriterSize(f, 1<<20)
	return &ContainerWriter{
		file:    f,
		buf:     buf,
		enc:     encMode.NewEncoder(buf),
		encoder: encoder,
	}, nil
}

func (w *ContainerWriter) Encode(f *Frame) error {
	if len(f.Pix) < f.Width*f.Height {
		return fmt.Errorf("frame %d: %d bytes for %dx%d", f.Seq, len(f.Pix), f.Width, f.Height)
	}
	rec := record{
		Seq:      f.Seq,
		Width:    f.Width,
		Height:   f.Height,
		Format:   formatMono8,
		DeviceTS: f.DeviceTS,
		HostTS:   f.HostTS.UnixNano(),
		Data:     f.Pix,
	}
	if w.encoder == EncoderJPEG {
		w.scratch.Reset()
		if err := jpeg.Encode(&w.scratch, f.Image(), &jpeg.Options{Quality: jpegQuality}); err != nil {
			return fmt.Errorf("frame %d: %w", f.Seq, err)
		}
		rec.Format = formatJPEG
		rec.Data = w.scratch.Bytes()
	}
	return w.enc.Encode(rec)
}

func (w *ContainerWriter) Close() error {
	return errors.Join(w.buf.Flush(), w.file.Close())
}

// ContainerReader iterates the frames of a container written by
// ContainerWriter. JPEG records are decoded back to Mono8.
type ContainerReader struct {
	file *os.File
	dec  *cbor.Decoder
}

func OpenContainer(path string) (*ContainerReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &ContainerReader{file: f, dec: decMode.NewDecoder(bufio.NewReader(f))}, nil
}

// Next returns io.EOF after the last frame.
func (r *ContainerReader) Next() (*Frame, error) {
	var rec record
	if err := r.dec.Decode(&rec); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("decoding frame record: %w", err)
	}

	f := &Frame{
		Seq:      rec.Seq,
		Width:    rec.Width,
		Height:   rec.Height,
		DeviceTS: rec.DeviceTS,
		HostTS:   time.Unix(0, rec.HostTS),
	}
	switch rec.Format {
	case formatMono8:
		f.Pix = rec.Data
	case formatJPEG:
		img, err := jpeg.Decode(bytes.NewReader(rec.Data))
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", rec.Seq, err)
		}
		f.Pix = toGray(img).Pix
	default:
		return nil, fmt.Errorf("frame %d: unknown format %q", rec.Seq, rec.Format)
	}
	return f, nil
}

func (r *ContainerReader) Close() error {
	return r.file.Close()
}

func toGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok && g.Stride == g.Rect.Dx() && g.Rect.Min == (image.Point{}) {
		return g
	}
	b := img.Bounds()
	g := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(g, g.Bounds(), img, b.Min, draw.Src)
	return g
}
