// Package ext holds extensions and plugins built on the websocket engine.
package ext

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/flate"

	"tg.sandbox/wsengine/websocket"
)

const DeflateID = "permessage-deflate"

const (
	DefaultMinSizeToCompress = 300

	minWindowBits = 8
	maxWindowBits = 15
	windowSize    = 1 << maxWindowBits
	readChunk     = 32 << 10

	noContextTakeover = "no_context_takeover"
	maxWindowBitsName = "max_window_bits"
)

var (
	// deflateTail ends every compressed message and is stripped on the wire.
	deflateTail = []byte{0x00, 0x00, 0xff, 0xff}
	// inflateTail restores it and terminates the stream with a final empty
	// stored block.
	inflateTail = []byte{0x00, 0x00, 0xff, 0xff, 0x01, 0x00, 0x00, 0xff, 0xff}
)

// Deflate is the permessage-deflate extension. The exported fields of the
// template are what a client offers and a server falls back to.
type Deflate struct {
	websocket.BaseExtension

	// CompressionLevel is a flate level; 0 leaves outgoing messages
	// uncompressed.
	CompressionLevel int
	// MinSizeToCompress skips messages whose first frame is smaller.
	MinSizeToCompress int64
	// MaxCompressedLength caps compressed frames; Config.MaxFrame when zero.
	MaxCompressedLength int

	ServerNoContextTakeover bool
	ClientNoContextTakeover bool
	ServerMaxWindowBits     int
	ClientMaxWindowBits     int

	out         bytes.Buffer
	fw          *flate.Writer
	compressing bool

	fr     io.ReadCloser
	window []byte
}

func NewDeflate() *Deflate {
	return &Deflate{
		BaseExtension: websocket.NewBaseExtension(DeflateID, true,
			websocket.FlagParam("server_"+noContextTakeover),
			websocket.FlagParam("client_"+noContextTakeover),
			websocket.IntParam("server_"+maxWindowBitsName, maxWindowBits, maxWindowBits),
			websocket.IntParam("client_"+maxWindowBitsName, maxWindowBits, maxWindowBits),
		),
		CompressionLevel:  flate.DefaultCompression,
		MinSizeToCompress: DefaultMinSizeToCompress,
	}
}

func windowBits(bits int) int {
	if bits == 0 {
		return maxWindowBits
	}
	return bits
}

func (d *Deflate) CloneFor(t *websocket.Tunnel) websocket.Extension {
	c := &Deflate{
		BaseExtension:           d.BaseExtension.Bind(t),
		CompressionLevel:        d.CompressionLevel,
		MinSizeToCompress:       d.MinSizeToCompress,
		MaxCompressedLength:     d.MaxCompressedLength,
		ServerNoContextTakeover: d.ServerNoContextTakeover,
		ClientNoContextTakeover: d.ClientNoContextTakeover,
		ServerMaxWindowBits:     d.ServerMaxWindowBits,
		ClientMaxWindowBits:     d.ClientMaxWindowBits,
	}
	if c.MaxCompressedLength <= 0 {
		c.MaxCompressedLength = t.Config().MaxFrame
	}
	p := c.Params()
	p.SetDefault("server_"+noContextTakeover, d.ServerNoContextTakeover)
	p.SetDefault("client_"+noContextTakeover, d.ClientNoContextTakeover)
	p.SetDefault("server_"+maxWindowBitsName, windowBits(d.ServerMaxWindowBits))
	p.SetDefault("client_"+maxWindowBitsName, windowBits(d.ClientMaxWindowBits))
	p.UseDefaults()
	return c
}

// paramName maps a parameter to its prefixed name for one direction of this
// endpoint: server_ parameters govern what the server compresses.
func (d *Deflate) paramName(send bool, name string) string {
	if send != d.Tunnel().IsClient() {
		return "server_" + name
	}
	return "client_" + name
}

func (d *Deflate) Validate() error {
	p := d.Params()
	for _, side := range []string{"server_", "client_"} {
		if bits := p.Int(side + maxWindowBitsName); bits < minWindowBits || bits > maxWindowBits {
			return websocket.NegotiationError("%s%s=%d outside %d..%d", side, maxWindowBitsName, bits, minWindowBits, maxWindowBits)
		}
	}
	return nil
}

// RetainOffered keeps what the peer demanded of our compressor.
func (d *Deflate) RetainOffered() []string {
	return []string{
		d.paramName(true, noContextTakeover),
		d.paramName(true, maxWindowBitsName),
	}
}

// Fallback replaces window sizes retained from a declined offer that are
// out of range.
func (d *Deflate) Fallback() {
	p := d.Params()
	for _, side := range []string{"server_", "client_"} {
		if bits := p.Int(side + maxWindowBitsName); bits < minWindowBits || bits > maxWindowBits {
			p.Set(side+maxWindowBitsName, maxWindowBits)
		}
	}
}

func (d *Deflate) sendTakeover() bool {
	return !d.Params().Flag(d.paramName(true, noContextTakeover))
}

func (d *Deflate) receiveTakeover() bool {
	return !d.Params().Flag(d.paramName(false, noContextTakeover))
}

func (d *Deflate) compressible(f *websocket.Frame) bool {
	op := f.Header.Opcode
	if !op.IsData() && op != websocket.OPCODE_CONTINUATION {
		return false
	}
	if f.ExtensionData != nil && f.ExtensionData.Size() > 0 {
		if op.IsData() {
			d.compressing = false
		}
		return false
	}
	if op == websocket.OPCODE_CONTINUATION {
		return d.compressing
	}
	d.compressing = d.CompressionLevel != 0 &&
		f.ApplicationData != nil &&
		f.ApplicationData.Size() > 0 &&
		f.ApplicationData.Size() >= d.MinSizeToCompress
	return d.compressing
}

func (d *Deflate) writer() (*flate.Writer, error) {
	if d.fw != nil {
		return d.fw, nil
	}
	var err error
	if bits := d.Params().Int(d.paramName(true, maxWindowBitsName)); bits >= minWindowBits && bits < maxWindowBits {
		d.fw, err = flate.NewWriterWindow(&d.out, 1<<bits)
	} else {
		d.fw, err = flate.NewWriter(&d.out, d.CompressionLevel)
	}
	if err != nil {
		return nil, websocket.InternalError("deflate writer").Wrap(err)
	}
	return d.fw, nil
}

func (d *Deflate) SendProcessor(frames []*websocket.Frame, _ *websocket.Pipeline) (websocket.Producer, error) {
	i := 0
	var job *compressJob
	return websocket.ProducerFunc(func() ([]*websocket.Frame, bool, error) {
		for {
			if job != nil {
				frame, err := job.next()
				if err != nil {
					return nil, false, err
				}
				if frame != nil {
					return []*websocket.Frame{frame}, true, nil
				}
				job = nil
			}
			if i >= len(frames) {
				return nil, false, nil
			}
			f := frames[i]
			i++
			if !d.compressible(f) {
				return []*websocket.Frame{f}, true, nil
			}
			fw, err := d.writer()
			if err != nil {
				return nil, false, err
			}
			job = &compressJob{
				d:     d,
				fw:    fw,
				src:   f,
				in:    io.NewSectionReader(f.ApplicationData, 0, f.ApplicationData.Size()),
				chunk: make([]byte, readChunk),
			}
		}
	}), nil
}

// compressJob turns one frame into compressed fragments of at most
// MaxCompressedLength bytes. More input is compressed until more than one
// fragment is pending, so the last fragment is never empty.
type compressJob struct {
	d       *Deflate
	fw      *flate.Writer
	src     *websocket.Frame
	in      io.Reader
	chunk   []byte
	inDone  bool
	emitted int
}

func (j *compressJob) fill() error {
	d := j.d
	for !j.inDone && d.out.Len() <= d.MaxCompressedLength {
		n, err := j.in.Read(j.chunk)
		if n > 0 {
			if _, werr := j.fw.Write(j.chunk[:n]); werr != nil {
				return websocket.InternalError("deflate").Wrap(werr)
			}
		}
		if err == io.EOF {
			j.inDone = true
			if ferr := j.fw.Flush(); ferr != nil {
				return websocket.InternalError("deflate flush").Wrap(ferr)
			}
			if j.src.Header.Fin && bytes.HasSuffix(d.out.Bytes(), deflateTail) {
				d.out.Truncate(d.out.Len() - len(deflateTail))
			}
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// next returns the next fragment, or nil once the frame is done.
func (j *compressJob) next() (*websocket.Frame, error) {
	d := j.d
	if err := j.fill(); err != nil {
		return nil, err
	}
	if j.inDone && d.out.Len() == 0 && j.emitted > 0 {
		return nil, nil
	}
	n := d.out.Len()
	if n > d.MaxCompressedLength {
		n = d.MaxCompressedLength
	}
	piece := bytes.Clone(d.out.Next(n))
	if len(piece) == 0 {
		piece = []byte{0x00}
	}
	last := j.inDone && d.out.Len() == 0

	op := j.src.Header.Opcode
	first := j.emitted == 0
	if !first {
		op = websocket.OPCODE_CONTINUATION
	}
	frame := websocket.NewFrame(op, last && j.src.Header.Fin, websocket.Data(piece))
	frame.Header.Rsv1 = first && j.src.Header.Opcode != websocket.OPCODE_CONTINUATION
	frame.Masker = j.src.Masker
	frame.Original = j.src
	j.emitted++

	if last && j.src.Header.Fin {
		d.compressing = false
		if !d.sendTakeover() {
			d.fw.Reset(&d.out)
		}
	}
	return frame, nil
}

func (d *Deflate) ReceiveProcessor(frames []*websocket.Frame, _ *websocket.Pipeline) (websocket.Producer, error) {
	out := make([]*websocket.Frame, 0, len(frames))
	for _, f := range frames {
		g, err := d.inflate(f)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return websocket.Batches(out), nil
}

func (d *Deflate) inflate(f *websocket.Frame) (*websocket.Frame, error) {
	op := f.Header.Opcode
	if op == websocket.OPCODE_CONTINUATION && f.Header.Rsv1 {
		return nil, websocket.ProtocolError("RSV1 set on a continuation frame")
	}
	if !op.IsData() && op != websocket.OPCODE_CONTINUATION {
		return f, nil
	}
	t := d.Tunnel()
	start := t.Reading.MessageStart
	if start == nil || !start.Header.Rsv1 {
		return f, nil
	}
	compressed, _ := t.Reading.MessageCustom[DeflateID].(*bytes.Buffer)
	if compressed == nil {
		compressed = &bytes.Buffer{}
		t.Reading.MessageCustom[DeflateID] = compressed
	}
	if f.ApplicationData != nil {
		if _, err := compressed.ReadFrom(io.NewSectionReader(f.ApplicationData, 0, f.ApplicationData.Size())); err != nil {
			return nil, err
		}
	}
	if limit := t.Config().MaxMessagePayload; int64(compressed.Len()) > limit {
		return nil, websocket.MessageTooBig("compressed message exceeds %d bytes", limit)
	}
	g := f.Derive(nil)
	g.Header.Rsv1 = false
	if !f.IsFinal() {
		return g, nil
	}
	delete(t.Reading.MessageCustom, DeflateID)
	data, err := d.decompress(compressed.Bytes())
	if err != nil {
		return nil, err
	}
	g.ApplicationData = websocket.Data(data)
	return g, nil
}

func (d *Deflate) decompress(compressed []byte) ([]byte, error) {
	src := bytes.NewReader(append(compressed, inflateTail...))
	var dict []byte
	if d.receiveTakeover() {
		dict = d.window
	}
	if d.fr == nil {
		d.fr = flate.NewReaderDict(src, dict)
	} else if err := d.fr.(flate.Resetter).Reset(src, dict); err != nil {
		return nil, websocket.InternalError("inflate reset").Wrap(err)
	}
	limit := d.Tunnel().Config().MaxMessagePayload
	data, err := io.ReadAll(io.LimitReader(d.fr, limit+1))
	if err != nil {
		return nil, websocket.InvalidPayload("inflate").Wrap(err)
	}
	if int64(len(data)) > limit {
		return nil, websocket.MessageTooBig("inflated message exceeds %d bytes", limit)
	}
	if src.Len() > len(inflateTail) {
		return nil, websocket.UnsupportedData("deflate stream finished before the message ended")
	}
	if d.receiveTakeover() {
		d.window = append(d.window, data...)
		if over := len(d.window) - windowSize; over > 0 {
			d.window = append([]byte(nil), d.window[over:]...)
		}
	}
	return data, nil
}
