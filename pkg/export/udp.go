package export

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"net"
	"sync/atomic"
	"time"

	"github.com/influxdata/influxdb-client-go/api"
	"github.com/norasector/tandem/pkg/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	receiveQueue = 64
	maxPayload   = math.MaxUint16
)

type Destination struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Packet is one scan batch as it goes on the wire.
type Packet struct {
	Device   string
	Seq      uint64
	DeviceTS int64
	HostTS   time.Time
	Channels int
	Samples  []float64
}

// UDP sends batches to one or more listeners. Delivery is best effort: a
// full queue drops the batch and network errors are only logged.
type UDP struct {
	dests    []Destination
	recvChan chan Packet
	metrics  api.WriteAPI
	logger   zerolog.Logger

	sent    atomic.Uint64
	dropped atomic.Uint64
}

type Option func(u *UDP)

func WithLogger(logger zerolog.Logger) Option {
	return func(u *UDP) {
		u.logger = logger
	}
}

func WithMetrics(w api.WriteAPI) Option {
	return func(u *UDP) {
		u.metrics = w
	}
}

func NewUDP(dests []Destination, opts ...Option) *UDP {
	u := &UDP{
		dests:    dests,
		recvChan: make(chan Packet, receiveQueue),
		logger:   log.Logger,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Offer queues p for sending without blocking. It reports false if the
// packet was dropped.
func (u *UDP) Offer(p Packet) bool {
	select {
	case u.recvChan <- p:
		return true
	default:
		u.dropped.Add(1)
		return false
	}
}

func (u *UDP) Stats() (sent, dropped uint64) {
	return u.sent.Load(), u.dropped.Load()
}

// Start sends queued packets until ctx is done.
func (u *UDP) Start(ctx context.Context) error {
	destAddrs := make([]*net.UDPAddr, 0, len(u.dests))
	for _, dest := range u.dests {
		addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", dest.Host, dest.Port))
		if err != nil {
			u.logger.Error().Err(err).Str("host", dest.Host).Int("port", dest.Port).Msg("skipping export destination")
			continue
		}
		destAddrs = append(destAddrs, addr)
		u.logger.Info().IPAddr("dest_ip", addr.IP).Int("port", addr.Port).Msg("stream export starting")
	}

	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		u.logger.Error().Err(err).Msg("stream export disabled")
		<-ctx.Done()
		return ctx.Err()
	}
	defer conn.Close()

	errLog := u.logger.Sample(&zerolog.BurstSampler{Burst: 5, Period: 10 * time.Second})
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p := <-u.recvChan:
			encoded := Encode(p)
			if len(encoded) > maxPayload {
				u.dropped.Add(1)
				errLog.Warn().Int("size", len(encoded)).Uint64("seq", p.Seq).Msg("batch too large for a datagram")
				continue
			}

			var msgBuf bytes.Buffer
			if err := binary.Write(&msgBuf, binary.LittleEndian, uint16(len(encoded))); err != nil {
				errLog.Warn().Err(err).Msg("error encoding header size")
				continue
			}
			msgBuf.Write(encoded)

			success := true
			for _, destAddr := range destAddrs {
				if _, err := conn.WriteToUDP(msgBuf.Bytes(), destAddr); err != nil {
					errLog.Error().Err(err).Msg("error writing")
					success = false
				}
			}
			if success {
				u.sent.Add(1)
			} else {
				u.dropped.Add(1)
			}

			metrics.Point(u.metrics, "export.sent_batch",
				map[string]string{"device": p.Device},
				map[string]interface{}{
					"seq":            int64(p.Seq),
					"encoded_length": len(encoded),
					"success":        success,
				})
		}
	}
}

const (
	fieldSeq protowire.Number = iota + 1
	fieldDeviceTS
	fieldHostTS
	fieldChannels
	fieldSamples
	fieldDevice
)

// Encode serialises p as a protobuf message without a generated type.
func Encode(p Packet) []byte {
	b := make([]byte, 0, 32+len(p.Device)+8*len(p.Samples))
	b = protowire.AppendTag(b, fieldSeq, protowire.VarintType)
	b = protowire.AppendVarint(b, p.Seq)
	b = protowire.AppendTag(b, fieldDeviceTS, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(p.DeviceTS))
	b = protowire.AppendTag(b, fieldHostTS, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(p.HostTS.UnixNano()))
	b = protowire.AppendTag(b, fieldChannels, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(p.Channels))

	b = protowire.AppendTag(b, fieldSamples, protowire.BytesType)
	b = protowire.AppendVarint(b, uint64(8*len(p.Samples)))
	for _, s := range p.Samples {
		b = protowire.AppendFixed64(b, math.Float64bits(s))
	}

	if p.Device != "" {
		b = protowire.AppendTag(b, fieldDevice, protowire.BytesType)
		b = protowire.AppendString(b, p.Device)
	}
	return b
}

func Decode(b []byte) (Packet, error) {
	var p Packet
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return p, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case typ == protowire.VarintType && num <= fieldChannels:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return p, protowire.ParseError(n)
			}
			b = b[n:]
			switch num {
			case fieldSeq:
				p.Seq = v
			case fieldDeviceTS:
				p.DeviceTS = int64(v)
			case fieldHostTS:
				p.HostTS = time.Unix(0, int64(v))
			case fieldChannels:
				p.Channels = int(v)
			}
		case typ == protowire.BytesType && num == fieldSamples:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return p, protowire.ParseError(n)
			}
			b = b[n:]
			if len(raw)%8 != 0 {
				return p, fmt.Errorf("packed samples: %d bytes", len(raw))
			}
			p.Samples = make([]float64, len(raw)/8)
			for i := range p.Samples {
				p.Samples[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[8*i:]))
			}
		case typ == protowire.BytesType && num == fieldDevice:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return p, protowire.ParseError(n)
			}
			b = b[n:]
			p.Device = s
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return p, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return p, nil
}
