// Package pcap replays capture files into the engine.
package pcap

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	log "github.com/sirupsen/logrus"

	"honeyd-engine/internal/engine"
)

// Reader replays a pcap or pcapng file as engine frames.
type Reader struct {
	name  string
	iface string
	file  *os.File
	src   packetSource
	count int
}

// packetSource is implemented by both pcapgo readers.
type packetSource interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// Open reads the file header of filename. Frames are attributed to iface.
func Open(filename, iface string) (*Reader, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open pcap file %s: %w", filename, err)
	}
	src, err := newSource(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read pcap file %s: %w", filename, err)
	}
	log.WithFields(log.Fields{
		"file":      filename,
		"link_type": src.LinkType().String(),
	}).Debug("PCAP link type detected")
	return &Reader{name: filename, iface: iface, file: f, src: src}, nil
}

// newSource accepts both the classic and the next generation format.
func newSource(f *os.File) (packetSource, error) {
	if r, err := pcapgo.NewReader(f); err == nil {
		return r, nil
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	r, err := pcapgo.NewNgReader(f, pcapgo.DefaultNgReaderOptions)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// LinkType returns the link layer of the recorded frames.
func (r *Reader) LinkType() layers.LinkType { return r.src.LinkType() }

// Interface returns the engine interface the frames arrive on.
func (r *Reader) Interface() string { return r.iface }

// Frames returns the number of frames read so far.
func (r *Reader) Frames() int { return r.count }

// Run sends every frame to out in file order and closes out at the end of
// the file.
func (r *Reader) Run(ctx context.Context, out chan<- engine.Frame) error {
	defer close(out)
	for {
		data, ci, err := r.src.ReadPacketData()
		if err == io.EOF {
			log.WithFields(log.Fields{"file": r.name, "frames": r.count}).Info("PCAP replay complete")
			return nil
		}
		if err != nil {
			return fmt.Errorf("read %s after %d frames: %w", r.name, r.count, err)
		}
		r.count++
		select {
		case out <- engine.Frame{Iface: r.iface, Data: data, Timestamp: ci.Timestamp}:
		case <-ctx.Done():
			return nil
		}
	}
}

// Close closes the file.
func (r *Reader) Close() error {
	return r.file.Close()
}
