package pagecache

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"xtc/blocks"
	"xtc/storage"
)

// fakeProducer plays back a fixed sequence of pages, suspending when the
// completion callback declines.
type fakeProducer struct {
	pages     []*blocks.Page
	anchors   blocks.AnchorMap
	next      int
	suspended bool
}

func (p *fakeProducer) ParsePages(complete func(*blocks.Page) bool, abort func() bool) error {
	p.suspended = false
	for p.next < len(p.pages) {
		if abort != nil && abort() {
			return nil
		}
		page := p.pages[p.next]
		p.next++
		if !complete(page) {
			p.suspended = p.next < len(p.pages)
			return nil
		}
	}
	return nil
}

func (p *fakeProducer) HasMoreContent() bool      { return p.next < len(p.pages) }
func (p *fakeProducer) CanResume() bool           { return p.suspended }
func (p *fakeProducer) Anchors() blocks.AnchorMap { return p.anchors }

// gatedProducer parks inside ParsePages until released, standing in for a
// slow parse so mid-run cache behavior can be observed.
type gatedProducer struct {
	*fakeProducer
	entered chan struct{} // closed once ParsePages is running
	release chan struct{} // parsing proceeds when this is closed
}

func (p *gatedProducer) ParsePages(complete func(*blocks.Page) bool, abort func() bool) error {
	close(p.entered)
	<-p.release
	return p.fakeProducer.ParsePages(complete, abort)
}

func makePage(n int) *blocks.Page {
	p := &blocks.Page{}
	p.AddText(&blocks.TextBlock{
		Words: []blocks.Word{{Text: fmt.Sprintf("page%d", n), XPos: uint16(n)}},
		Align: blocks.LeftAlign,
	}, 0, uint16(n*20))
	return p
}

func makeProducer(n int) *fakeProducer {
	p := &fakeProducer{anchors: blocks.AnchorMap{{ID: "top", Page: 0}}}
	for i := 0; i < n; i++ {
		p.pages = append(p.pages, makePage(i))
	}
	return p
}

func testKey() Key {
	return Key{ViewportW: 480, ViewportH: 800, FontID: 2, Flags: 1}
}

func firstWord(t *testing.T, p *blocks.Page) string {
	t.Helper()
	if len(p.Elements) == 0 || p.Elements[0].Text == nil {
		t.Fatalf("page has no text element: %+v", p)
	}
	return p.Elements[0].Text.Words[0].Text
}

func TestCreateAndOpenPage(t *testing.T) {
	st := storage.NewMem()
	c := New(st, "ch0.pages", testKey(), nil)

	if err := c.Create(makeProducer(5), 10, nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if c.PageCount() != 5 {
		t.Fatalf("PageCount = %d, want 5", c.PageCount())
	}
	if c.IsPartial() {
		t.Error("cache should be complete")
	}
	for i := 0; i < 5; i++ {
		page, err := c.OpenPage(i)
		if err != nil {
			t.Fatalf("open page %d: %v", i, err)
		}
		if got, want := firstWord(t, page), fmt.Sprintf("page%d", i); got != want {
			t.Errorf("page %d word = %q, want %q", i, got, want)
		}
	}
	if diff := cmp.Diff(blocks.AnchorMap{{ID: "top", Page: 0}}, c.Anchors()); diff != "" {
		t.Errorf("anchors mismatch (-want +got):\n%s", diff)
	}
}

func TestCreateStopsAtQuota(t *testing.T) {
	st := storage.NewMem()
	c := New(st, "ch0.pages", testKey(), nil)

	if err := c.Create(makeProducer(5), 3, nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if c.PageCount() != 3 {
		t.Fatalf("PageCount = %d, want 3", c.PageCount())
	}
	if !c.IsPartial() {
		t.Error("cache should be partial")
	}
	if !c.NeedsExtension(0) {
		t.Error("reader at page 0 of 3 partial pages needs extension")
	}
}

func TestNeedsExtension(t *testing.T) {
	st := storage.NewMem()
	c := New(st, "ch0.pages", testKey(), nil)
	if err := c.Create(makeProducer(20), 10, nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	cases := []struct {
		index int
		want  bool
	}{
		{0, false},
		{6, false},
		{7, true},
		{9, true},
	}
	for _, tc := range cases {
		if got := c.NeedsExtension(tc.index); got != tc.want {
			t.Errorf("NeedsExtension(%d) = %v, want %v", tc.index, got, tc.want)
		}
	}
}

func TestLoadRoundtrip(t *testing.T) {
	st := storage.NewMem()
	c := New(st, "ch0.pages", testKey(), nil)
	if err := c.Create(makeProducer(4), 10, nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	reopened := New(st, "ch0.pages", testKey(), nil)
	if err := reopened.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	if reopened.PageCount() != 4 || reopened.IsPartial() {
		t.Fatalf("loaded count=%d partial=%v", reopened.PageCount(), reopened.IsPartial())
	}
	page, err := reopened.OpenPage(2)
	if err != nil {
		t.Fatalf("open page: %v", err)
	}
	if got := firstWord(t, page); got != "page2" {
		t.Errorf("word = %q, want page2", got)
	}
	if diff := cmp.Diff(blocks.AnchorMap{{ID: "top", Page: 0}}, reopened.Anchors()); diff != "" {
		t.Errorf("anchors mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadRejectsMismatchedKey(t *testing.T) {
	st := storage.NewMem()
	c := New(st, "ch0.pages", testKey(), nil)
	if err := c.Create(makeProducer(2), 10, nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	other := testKey()
	other.FontID = 9
	reopened := New(st, "ch0.pages", other, nil)
	if err := reopened.Load(); !errors.Is(err, ErrKeyMismatch) {
		t.Fatalf("load error = %v, want ErrKeyMismatch", err)
	}
}

func TestLoadRejectsGarbage(t *testing.T) {
	st := storage.NewMem()
	f, err := st.Create("ch0.pages")
	if err != nil {
		t.Fatal(err)
	}
	f.Write([]byte("this is not a cache file, not even close"))
	f.Close()

	c := New(st, "ch0.pages", testKey(), nil)
	if err := c.Load(); err == nil {
		t.Fatal("expected error loading garbage")
	}
}

func TestExtendResumesSuspendedParser(t *testing.T) {
	st := storage.NewMem()
	c := New(st, "ch0.pages", testKey(), nil)
	producer := makeProducer(5)

	if err := c.Create(producer, 2, nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if c.PageCount() != 2 || !c.IsPartial() {
		t.Fatalf("after create: count=%d partial=%v", c.PageCount(), c.IsPartial())
	}

	if err := c.Extend(producer, 2, nil); err != nil {
		t.Fatalf("extend: %v", err)
	}
	if c.PageCount() != 4 || !c.IsPartial() {
		t.Fatalf("after extend: count=%d partial=%v", c.PageCount(), c.IsPartial())
	}

	if err := c.Extend(producer, 5, nil); err != nil {
		t.Fatalf("final extend: %v", err)
	}
	if c.PageCount() != 5 || c.IsPartial() {
		t.Fatalf("after final extend: count=%d partial=%v", c.PageCount(), c.IsPartial())
	}

	// Old pages survive every extension and the rewritten tail still loads.
	reopened := New(st, "ch0.pages", testKey(), nil)
	if err := reopened.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	for i := 0; i < 5; i++ {
		page, err := reopened.OpenPage(i)
		if err != nil {
			t.Fatalf("open page %d: %v", i, err)
		}
		if got, want := firstWord(t, page), fmt.Sprintf("page%d", i); got != want {
			t.Errorf("page %d word = %q, want %q", i, got, want)
		}
	}
}

func TestOpenPageDuringExtend(t *testing.T) {
	st := storage.NewMem()
	c := New(st, "ch0.pages", testKey(), nil)

	producer := makeProducer(4)
	if err := c.Create(producer, 2, nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	slow := &gatedProducer{
		fakeProducer: producer,
		entered:      make(chan struct{}),
		release:      make(chan struct{}),
	}
	extendDone := make(chan error, 1)
	go func() { extendDone <- c.Extend(slow, 2, nil) }()
	<-slow.entered

	// The extend is parked mid-parse. A read of an already cached page
	// must not wait for it.
	readDone := make(chan error, 1)
	go func() {
		_, err := c.OpenPage(0)
		readDone <- err
	}()
	select {
	case err := <-readDone:
		if err != nil {
			t.Fatalf("open page during extend: %v", err)
		}
	case <-time.After(2 * time.Second):
		close(slow.release)
		<-extendDone
		t.Fatal("OpenPage blocked while the cache was extending")
	}
	if got := c.PageCount(); got != 2 {
		t.Errorf("PageCount during extend = %d, want 2", got)
	}

	close(slow.release)
	if err := <-extendDone; err != nil {
		t.Fatalf("extend: %v", err)
	}
	if c.PageCount() != 4 {
		t.Fatalf("PageCount after extend = %d, want 4", c.PageCount())
	}
	for i := 0; i < 4; i++ {
		page, err := c.OpenPage(i)
		if err != nil {
			t.Fatalf("open page %d: %v", i, err)
		}
		if got, want := firstWord(t, page), fmt.Sprintf("page%d", i); got != want {
			t.Errorf("page %d word = %q, want %q", i, got, want)
		}
	}
}

func TestExtendCompleteCacheIsNoop(t *testing.T) {
	st := storage.NewMem()
	c := New(st, "ch0.pages", testKey(), nil)
	producer := makeProducer(2)
	if err := c.Create(producer, 10, nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := c.Extend(producer, 5, nil); err != nil {
		t.Fatalf("extend: %v", err)
	}
	if c.PageCount() != 2 {
		t.Errorf("PageCount = %d, want 2", c.PageCount())
	}
}

func TestExtendColdRestartWhenParserCannotResume(t *testing.T) {
	st := storage.NewMem()
	c := New(st, "ch0.pages", testKey(), nil)

	if err := c.Create(makeProducer(6), 2, nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	// A fresh parser, as after a process restart: no suspended state.
	fresh := makeProducer(6)
	if err := c.Extend(fresh, 2, nil); err != nil {
		t.Fatalf("extend: %v", err)
	}
	if c.PageCount() != 4 || !c.IsPartial() {
		t.Fatalf("after cold extend: count=%d partial=%v", c.PageCount(), c.IsPartial())
	}
	page, err := c.OpenPage(3)
	if err != nil {
		t.Fatalf("open page: %v", err)
	}
	if got := firstWord(t, page); got != "page3" {
		t.Errorf("word = %q, want page3", got)
	}
}

func TestCreateWithNoPagesRemovesFile(t *testing.T) {
	st := storage.NewMem()
	c := New(st, "ch0.pages", testKey(), nil)

	if err := c.Create(makeProducer(0), 10, nil); err == nil {
		t.Fatal("expected error for empty chapter")
	}
	if st.Exists("ch0.pages") {
		t.Error("empty cache file should have been removed")
	}
}

func TestCreateAbortKeepsProducedPages(t *testing.T) {
	st := storage.NewMem()
	c := New(st, "ch0.pages", testKey(), nil)

	calls := 0
	abort := func() bool {
		calls++
		return calls > 2
	}
	if err := c.Create(makeProducer(10), 20, abort); err != nil {
		t.Fatalf("create: %v", err)
	}
	if c.PageCount() != 2 {
		t.Fatalf("PageCount = %d, want 2", c.PageCount())
	}
	if !st.Exists("ch0.pages") {
		t.Error("file with pages should survive an abort")
	}
}

func TestOpenPageOutOfRange(t *testing.T) {
	st := storage.NewMem()
	c := New(st, "ch0.pages", testKey(), nil)
	if err := c.Create(makeProducer(2), 10, nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := c.OpenPage(2); err == nil {
		t.Error("expected error for page index past the end")
	}
	if _, err := c.OpenPage(-1); err == nil {
		t.Error("expected error for negative page index")
	}
}

func TestRemove(t *testing.T) {
	st := storage.NewMem()
	c := New(st, "ch0.pages", testKey(), nil)
	if err := c.Create(makeProducer(2), 10, nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := c.Remove(); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if st.Exists("ch0.pages") {
		t.Error("file still present after Remove")
	}
	if c.PageCount() != 0 {
		t.Errorf("PageCount = %d after Remove", c.PageCount())
	}
}
