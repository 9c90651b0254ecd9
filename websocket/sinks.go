package websocket

import (
	"encoding/hex"
	"io"
	"unicode/utf8"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	previewText   = 40
	previewBinary = 12
)

// DiscardSink drops message data, logging a short preview of each piece.
type DiscardSink struct {
	log *zap.Logger
}

func NewDiscardSink(log *zap.Logger) *DiscardSink {
	if log == nil {
		log = zap.NewNop()
	}
	return &DiscardSink{log: log}
}

func (s *DiscardSink) FirstComplete(p *Processor, f *Frame) error { return s.discard(p, f) }

func (s *DiscardSink) FirstPartial(p *Processor, f *Frame) error { return s.discard(p, f) }

func (s *DiscardSink) Append(p *Processor, f *Frame) error { return s.discard(p, f) }

func (s *DiscardSink) discard(p *Processor, f *Frame) error {
	if ce := s.log.Check(zap.DebugLevel, "discarding message data"); ce != nil {
		ce.Write(
			zap.Stringer("frame", f),
			zap.String("preview", preview(p.IsText(), f.ApplicationData)),
		)
	}
	return nil
}

func preview(text bool, src DataSource) string {
	limit := int64(previewBinary)
	if text {
		limit = previewText * utf8.UTFMax
	}
	if size := sourceSize(src); size < limit {
		limit = size
	}
	buf := make([]byte, limit)
	if limit > 0 {
		n, _ := src.ReadAt(buf, 0)
		buf = buf[:n]
	}
	if !text {
		return hex.EncodeToString(buf)
	}
	runes := []rune(string(buf))
	if len(runes) > previewText {
		runes = runes[:previewText]
	}
	return string(runes)
}

// BufferCallback gets the whole message once its final piece arrived. The
// sources are only valid during the call.
type BufferCallback func(p *Processor, ext, app DataSource) error

// BufferSink collects a message, in memory or spilled to a temporary file,
// and hands it to a callback when complete.
type BufferSink struct {
	callback BufferCallback
	ext      *spillBuffer
	app      *spillBuffer
}

func NewBufferSink(spill int64, callback BufferCallback) *BufferSink {
	return &BufferSink{
		callback: callback,
		ext:      newSpillBuffer(spill),
		app:      newSpillBuffer(spill),
	}
}

func (s *BufferSink) FirstComplete(p *Processor, f *Frame) error { return s.take(p, f) }

func (s *BufferSink) FirstPartial(p *Processor, f *Frame) error { return s.take(p, f) }

func (s *BufferSink) Append(p *Processor, f *Frame) error { return s.take(p, f) }

func (s *BufferSink) take(p *Processor, f *Frame) (err error) {
	if err = s.ext.ReadFrom(f.ExtensionData); err == nil {
		err = s.app.ReadFrom(f.ApplicationData)
	}
	if err != nil || !p.IsComplete() {
		if err != nil {
			err = multierr.Combine(err, s.ext.Close(), s.app.Close())
		}
		return err
	}
	defer func() {
		err = multierr.Combine(err, s.ext.Close(), s.app.Close())
	}()
	if s.callback == nil {
		return nil
	}
	return s.callback(p, s.ext.Source(), s.app.Source())
}

// StreamCopySink copies message data into writers as it arrives.
type StreamCopySink struct {
	App     io.Writer
	Ext     io.Writer
	OnFinal func(p *Processor) error
}

func (s *StreamCopySink) FirstComplete(p *Processor, f *Frame) error { return s.copy(p, f) }

func (s *StreamCopySink) FirstPartial(p *Processor, f *Frame) error { return s.copy(p, f) }

func (s *StreamCopySink) Append(p *Processor, f *Frame) error { return s.copy(p, f) }

func (s *StreamCopySink) copy(p *Processor, f *Frame) error {
	if s.Ext != nil && f.ExtensionData != nil {
		if _, err := io.Copy(s.Ext, newSourceReader(f.ExtensionData)); err != nil {
			return err
		}
	}
	if s.App != nil && f.ApplicationData != nil {
		if _, err := io.Copy(s.App, newSourceReader(f.ApplicationData)); err != nil {
			return err
		}
	}
	if p.IsComplete() && s.OnFinal != nil {
		return s.OnFinal(p)
	}
	return nil
}
