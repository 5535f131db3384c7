package streamsource

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/description"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/bluenviron/gortsplib/v4/pkg/format/rtph264"
	"github.com/bluenviron/gortsplib/v4/pkg/format/rtph265"
	"github.com/cyclopcam/inferpipe/pkg/videox"
	"github.com/pion/rtp"
)

// Number of decoded access units that may wait for the reader before we stall the RTSP client
const rtspQueueSize = 64

type rtspReader struct {
	client *gortsplib.Client
	codec  videox.Codec
	width  int
	height int

	aus        chan [][]byte
	closed     chan struct{}
	closeOnce  sync.Once
	waitErr    chan error
	sessionErr error        // Set once the client has stopped
	dropped    atomic.Int64 // RTP packets that could not be depacketized
}

func openRTSP(ctx context.Context, location string) (Reader, error) {
	u, err := base.ParseURL(location)
	if err != nil {
		return nil, fmt.Errorf("Invalid RTSP URL: %w", err)
	}
	client := &gortsplib.Client{}
	if err := client.Start(u.Scheme, u.Host); err != nil {
		return nil, fmt.Errorf("Failed to connect to %v: %w", u.Host, err)
	}
	r := &rtspReader{
		client:  client,
		aus:     make(chan [][]byte, rtspQueueSize),
		closed:  make(chan struct{}),
		waitErr: make(chan error, 1),
	}
	if err := r.setup(u); err != nil {
		client.Close()
		return nil, err
	}
	go func() {
		r.waitErr <- client.Wait()
	}()
	return r, nil
}

func (r *rtspReader) setup(u *base.URL) error {
	desc, _, err := r.client.Describe(u)
	if err != nil {
		return fmt.Errorf("DESCRIBE failed: %w", err)
	}

	var media *description.Media
	var decode func(pkt *rtp.Packet) ([][]byte, error)

	var h264Format *format.H264
	var h265Format *format.H265
	if media = desc.FindFormat(&h264Format); media != nil {
		r.codec = videox.CodecH264
		r.setGeometry(h264Format.SPS)
		dec, err := h264Format.CreateDecoder()
		if err != nil {
			return err
		}
		decode = func(pkt *rtp.Packet) ([][]byte, error) {
			au, err := dec.Decode(pkt)
			if errors.Is(err, rtph264.ErrMorePacketsNeeded) || errors.Is(err, rtph264.ErrNonStartingPacketAndNoPrevious) {
				return nil, nil
			}
			return au, err
		}
		_, err = r.client.Setup(desc.BaseURL, media, 0, 0)
		if err != nil {
			return fmt.Errorf("SETUP failed: %w", err)
		}
		r.client.OnPacketRTP(media, h264Format, func(pkt *rtp.Packet) { r.onPacket(pkt, decode) })
	} else if media = desc.FindFormat(&h265Format); media != nil {
		r.codec = videox.CodecH265
		r.setGeometry(h265Format.SPS)
		dec, err := h265Format.CreateDecoder()
		if err != nil {
			return err
		}
		decode = func(pkt *rtp.Packet) ([][]byte, error) {
			au, err := dec.Decode(pkt)
			if errors.Is(err, rtph265.ErrMorePacketsNeeded) || errors.Is(err, rtph265.ErrNonStartingPacketAndNoPrevious) {
				return nil, nil
			}
			return au, err
		}
		_, err = r.client.Setup(desc.BaseURL, media, 0, 0)
		if err != nil {
			return fmt.Errorf("SETUP failed: %w", err)
		}
		r.client.OnPacketRTP(media, h265Format, func(pkt *rtp.Packet) { r.onPacket(pkt, decode) })
	} else {
		return fmt.Errorf("%w: no H264 or H265 media in %v", ErrUnsupportedStream, u)
	}

	if _, err := r.client.Play(nil); err != nil {
		return fmt.Errorf("PLAY failed: %w", err)
	}
	return nil
}

func (r *rtspReader) setGeometry(sps []byte) {
	if sps == nil {
		return
	}
	if w, h, err := videox.ParseSPSGeometry(r.codec, sps); err == nil {
		r.width, r.height = w, h
	}
}

// onPacket runs on the RTSP client's goroutine
func (r *rtspReader) onPacket(pkt *rtp.Packet, decode func(pkt *rtp.Packet) ([][]byte, error)) {
	au, err := decode(pkt)
	if err != nil {
		r.dropped.Add(1)
		return
	}
	if len(au) == 0 {
		return
	}
	select {
	case r.aus <- au:
	case <-r.closed:
	}
}

func (r *rtspReader) ReadAccessUnit(ctx context.Context) ([][]byte, error) {
	// Access units that arrived before the session ended are delivered before the error
	select {
	case au := <-r.aus:
		return r.accept(au)
	default:
	}
	if r.sessionErr != nil {
		return nil, r.sessionErr
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-r.waitErr:
		r.sessionErr = fmt.Errorf("RTSP session ended: %w", err)
		return r.ReadAccessUnit(ctx)
	case au := <-r.aus:
		return r.accept(au)
	}
}

func (r *rtspReader) accept(au [][]byte) ([][]byte, error) {
	// Cameras usually repeat the SPS in-band, which overrides the SDP
	for _, nalu := range au {
		if videox.IsSPS(r.codec, nalu) {
			r.setGeometry(nalu)
		}
	}
	if r.width == 0 {
		return nil, fmt.Errorf("%w: access unit precedes the first SPS", ErrMalformed)
	}
	return au, nil
}

func (r *rtspReader) Codec() videox.Codec {
	return r.codec
}

func (r *rtspReader) Geometry() (width, height int) {
	return r.width, r.height
}

func (r *rtspReader) Close() error {
	r.closeOnce.Do(func() {
		close(r.closed)
		r.client.Close()
	})
	return nil
}
