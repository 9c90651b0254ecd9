package websocket

// Producer yields the output batches of an extension step. ok is false once
// it is exhausted.
type Producer interface {
	Next() (frames []*Frame, ok bool, err error)
}

type ProducerFunc func() ([]*Frame, bool, error)

func (f ProducerFunc) Next() ([]*Frame, bool, error) { return f() }

// Batches is a Producer over ready made batches.
func Batches(batches ...[]*Frame) Producer {
	return ProducerFunc(func() ([]*Frame, bool, error) {
		if len(batches) == 0 {
			return nil, false, nil
		}
		next := batches[0]
		batches = batches[1:]
		return next, true, nil
	})
}

// Pipeline is one traversal of a frame batch through the active extensions.
// Send traversals walk ids front to back, receive traversals back to front.
type Pipeline struct {
	ids        []string
	exts       map[string]Extension
	Frames     []*Frame
	Forward    bool
	Tunnel     *Tunnel
	terminator func([]*Frame) error
}

func (p *Pipeline) IsClient() bool {
	return p.Tunnel != nil && p.Tunnel.IsClient()
}

// Remaining is the ids still ahead of this step.
func (p *Pipeline) Remaining() []string { return p.ids }

func (p *Pipeline) with(ids []string, frames []*Frame) *Pipeline {
	next := *p
	next.ids = ids
	next.Frames = frames
	return &next
}

// Process runs the batch through the remaining extensions and hands the
// result to the terminator.
func (p *Pipeline) Process() error {
	if len(p.Frames) == 0 {
		return nil
	}
	if len(p.ids) == 0 {
		return p.terminator(p.Frames)
	}
	var id string
	var rest []string
	if p.Forward {
		id, rest = p.ids[0], p.ids[1:]
	} else {
		id, rest = p.ids[len(p.ids)-1], p.ids[:len(p.ids)-1]
	}
	ext, ok := p.exts[id]
	if !ok {
		return p.with(rest, p.Frames).Process()
	}
	next := p.with(rest, p.Frames)
	var producer Producer
	var err error
	if p.Forward {
		producer, err = ext.SendProcessor(p.Frames, next)
	} else {
		producer, err = ext.ReceiveProcessor(p.Frames, next)
	}
	if err != nil {
		return err
	}
	if producer == nil {
		return next.Process()
	}
	for {
		batch, more, err := producer.Next()
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
		if err := p.with(rest, batch).Process(); err != nil {
			return err
		}
	}
}
