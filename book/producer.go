package book

import (
	"xtc/blocks"
	"xtc/layout"
	"xtc/parser"
	"xtc/storage"
)

// chapterProducer adapts a chapter parser to the page cache's Producer.
// The delivery callback changes between Create and Extend calls, so the
// parser is built once with an indirection through the producer.
type chapterProducer struct {
	st    storage.Storage
	path  string
	fonts layout.Measurer
	cfg   parser.Config
	opts  parser.Options

	ch      *parser.Chapter
	deliver func(*blocks.Page) bool
	abort   func() bool
}

func newChapterProducer(st storage.Storage, chapterPath string, fonts layout.Measurer, cfg parser.Config, opts parser.Options) *chapterProducer {
	p := &chapterProducer{st: st, path: chapterPath, fonts: fonts, cfg: cfg, opts: opts}
	p.opts.Abort = func() bool { return p.abort != nil && p.abort() }
	return p
}

func (p *chapterProducer) ParsePages(complete func(*blocks.Page) bool, abort func() bool) error {
	p.deliver = complete
	p.abort = abort

	if p.ch != nil && p.ch.Suspended() {
		return p.ch.Resume()
	}
	p.ch = parser.NewChapter(p.st, p.path, p.fonts, func(page *blocks.Page) bool {
		return p.deliver(page)
	}, p.cfg, p.opts)
	return p.ch.Parse()
}

func (p *chapterProducer) HasMoreContent() bool {
	return p.ch != nil && p.ch.Suspended()
}

func (p *chapterProducer) CanResume() bool {
	return p.ch != nil && p.ch.Suspended()
}

func (p *chapterProducer) Anchors() blocks.AnchorMap {
	if p.ch == nil {
		return nil
	}
	return p.ch.Anchors()
}
