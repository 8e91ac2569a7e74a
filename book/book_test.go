package book

import (
	"fmt"
	"io"
	"path"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/google/go-cmp/cmp"

	"xtc/blocks"
	"xtc/config"
	"xtc/storage"
)

func writeFile(t *testing.T, st storage.Storage, p, content string) {
	t.Helper()
	if err := st.MkdirAll(path.Dir(p)); err != nil {
		t.Fatal(err)
	}
	f, err := st.Create(p)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := io.WriteString(f, content); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestPathHash(t *testing.T) {
	cases := map[string]string{
		"a":                    "0002b5c4",
		"/books/demo":          "bdbd623c",
		"/books/demo/ch1.html": "50b7df7a",
	}
	for in, want := range cases {
		if got := PathHash(in); got != want {
			t.Errorf("PathHash(%q) = %s, want %s", in, got, want)
		}
	}
	if PathHash("/books/demo") == PathHash("/books/demO") {
		t.Error("hash should be case-sensitive")
	}
}

func TestOpenScansInNaturalOrder(t *testing.T) {
	st := storage.NewMem()
	for _, name := range []string{"Chapter 10.html", "Chapter 2.html", "Chapter 1.html", "style.css", "notes.txt"} {
		writeFile(t, st, "/books/demo/"+name, "x")
	}

	b, err := Open(st, "/books/demo", nil)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"Chapter 1.html", "Chapter 2.html", "Chapter 10.html"}
	if diff := cmp.Diff(want, b.Chapters()); diff != "" {
		t.Errorf("chapters (-want +got):\n%s", diff)
	}
	if b.Title != "demo" {
		t.Errorf("title: got %q", b.Title)
	}
	if len(b.stylesheets) != 1 || b.stylesheets[0] != "style.css" {
		t.Errorf("stylesheets: got %v", b.stylesheets)
	}
}

func TestOpenReadsManifest(t *testing.T) {
	st := storage.NewMem()
	writeFile(t, st, "/books/demo/book.ini", `
[book]
title  = Moby Dick
author = Herman Melville
language = en
cover = images/cover.jpg

[spine]
0000 = text/zzz.xhtml
0001 = text/aaa.xhtml

[styles]
0000 = css/main.css
`)
	writeFile(t, st, "/books/demo/text/zzz.xhtml", "x")
	writeFile(t, st, "/books/demo/text/aaa.xhtml", "x")

	b, err := Open(st, "/books/demo", nil)
	if err != nil {
		t.Fatal(err)
	}
	if b.Title != "Moby Dick" || b.Author != "Herman Melville" || b.Language != "en" {
		t.Errorf("metadata: %q / %q / %q", b.Title, b.Author, b.Language)
	}
	if b.CoverSrc != "images/cover.jpg" {
		t.Errorf("cover: %q", b.CoverSrc)
	}
	// Spine order wins over filename order.
	want := []string{"text/zzz.xhtml", "text/aaa.xhtml"}
	if diff := cmp.Diff(want, b.Chapters()); diff != "" {
		t.Errorf("chapters (-want +got):\n%s", diff)
	}
}

func TestOpenEmptyDirFails(t *testing.T) {
	st := storage.NewMem()
	if err := st.MkdirAll("/books/empty"); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(st, "/books/empty", nil); err == nil {
		t.Fatal("empty book should fail to open")
	}
}

func TestCachePaths(t *testing.T) {
	st := storage.NewMem()
	writeFile(t, st, "/books/demo/ch1.html", "x")
	writeFile(t, st, "/books/demo/ch2.html", "x")

	b, err := Open(st, "/books/demo", nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := b.CacheDir(); got != "/.xtc/cache/"+b.Hash() {
		t.Errorf("cache dir: %s", got)
	}
	p1, err := b.ChapterCachePath(0)
	if err != nil {
		t.Fatal(err)
	}
	p2, err := b.ChapterCachePath(1)
	if err != nil {
		t.Fatal(err)
	}
	if p1 == p2 {
		t.Error("chapter cache paths should differ")
	}
	if !strings.HasPrefix(p1, b.CacheDir()+"/") || !strings.HasSuffix(p1, ".xtc") {
		t.Errorf("cache path shape: %s", p1)
	}
	if _, err := b.ChapterCachePath(2); err == nil {
		t.Error("out of range chapter should fail")
	}
	if got := b.CoverPath(); got != "/.xtc/covers/"+b.Hash()+".raw" {
		t.Errorf("cover path: %s", got)
	}
}

func TestProgressRoundtrip(t *testing.T) {
	st := storage.NewMem()
	writeFile(t, st, "/books/demo/ch1.html", "x")
	b, err := Open(st, "/books/demo", nil)
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := b.LoadProgress(); ok {
		t.Fatal("no progress should be saved yet")
	}
	if err := b.SaveProgress(3, 41); err != nil {
		t.Fatal(err)
	}
	got, ok := b.LoadProgress()
	if !ok {
		t.Fatal("progress should load back")
	}
	if got.Chapter != 3 || got.Page != 41 {
		t.Errorf("position: %d/%d", got.Chapter, got.Page)
	}
	if got.Updated.IsZero() {
		t.Error("timestamp should be set")
	}
}

func TestLoadProgressTruncated(t *testing.T) {
	st := storage.NewMem()
	writeFile(t, st, "/books/demo/ch1.html", "x")
	b, err := Open(st, "/books/demo", nil)
	if err != nil {
		t.Fatal(err)
	}
	writeFile(t, st, b.CacheDir()+"/"+progressName, "xx")
	if _, ok := b.LoadProgress(); ok {
		t.Error("truncated progress record should be rejected")
	}
}

func TestEnsureCoverSkipsWhenCached(t *testing.T) {
	st := storage.NewMem()
	writeFile(t, st, "/books/demo/ch1.html", "x")
	b, err := Open(st, "/books/demo", nil)
	if err != nil {
		t.Fatal(err)
	}

	// No cover source: nothing to do.
	if err := b.EnsureCover(); err != nil {
		t.Fatal(err)
	}

	// Pre-existing thumbnail: conversion is skipped even though the source
	// is not a real image.
	b.CoverSrc = "cover.jpg"
	writeFile(t, st, b.CoverPath(), "cached")
	if err := b.EnsureCover(); err != nil {
		t.Fatal(err)
	}

	// Missing thumbnail with a bogus source must surface the error.
	if err := st.Remove(b.CoverPath()); err != nil {
		t.Fatal(err)
	}
	writeFile(t, st, "/books/demo/cover.jpg", "not an image")
	if err := b.EnsureCover(); err == nil {
		t.Error("bogus cover source should fail conversion")
	}
}

// fixedMeasurer sizes every rune at 10px so line math is exact.
type fixedMeasurer struct{}

func (fixedMeasurer) TextWidth(s string, _ blocks.Style) int { return utf8.RuneCountInString(s) * 10 }
func (fixedMeasurer) SpaceWidth() int                        { return 10 }
func (fixedMeasurer) LineHeight() int                        { return 20 }

func testSettings() config.Settings {
	s := config.Default()
	s.Reader.Alignment = blocks.LeftAlign
	s.Reader.Hyphenation = false
	s.Reader.Indent = 0
	s.Reader.Margins = 8
	return s
}

func writeChapters(t *testing.T, st storage.Storage, paragraphs int) *Book {
	t.Helper()
	var sb strings.Builder
	sb.WriteString("<html><body>")
	for i := 0; i < paragraphs; i++ {
		fmt.Fprintf(&sb, "<p>w%d</p>", i)
	}
	sb.WriteString("</body></html>")
	writeFile(t, st, "/books/demo/ch1.html", sb.String())
	writeFile(t, st, "/books/demo/ch2.html", "<html><body><p>second chapter</p></body></html>")

	b, err := Open(st, "/books/demo", nil)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func pageWords(p *blocks.Page) []string {
	var words []string
	for _, el := range p.Elements {
		if el.Text == nil {
			continue
		}
		for _, w := range el.Text.Words {
			words = append(words, w.Text)
		}
	}
	return words
}

func TestPaginatorServesPages(t *testing.T) {
	st := storage.NewMem()
	b := writeChapters(t, st, 5)

	// Viewport minus margins is 200x40: two 20px lines per page.
	pg := NewPaginator(b, fixedMeasurer{}, testSettings(), 216, 56, nil, nil)

	page, err := pg.Page(0, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"w0", "w1"}, pageWords(page)); diff != "" {
		t.Errorf("page 0 (-want +got):\n%s", diff)
	}
	page, err = pg.Page(0, 2, nil)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"w4"}, pageWords(page)); diff != "" {
		t.Errorf("page 2 (-want +got):\n%s", diff)
	}

	cachePath, err := b.ChapterCachePath(0)
	if err != nil {
		t.Fatal(err)
	}
	if !st.Exists(cachePath) {
		t.Error("cache file should persist")
	}
}

func TestPaginatorReloadsExistingCache(t *testing.T) {
	st := storage.NewMem()
	b := writeChapters(t, st, 5)
	s := testSettings()

	pg := NewPaginator(b, fixedMeasurer{}, s, 216, 56, nil, nil)
	if _, err := pg.Page(0, 0, nil); err != nil {
		t.Fatal(err)
	}

	// A second paginator with identical settings reads the same cache file.
	pg2 := NewPaginator(b, fixedMeasurer{}, s, 216, 56, nil, nil)
	c, err := pg2.Chapter(0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if c.PageCount() != 3 {
		t.Errorf("page count: %d", c.PageCount())
	}
}

func TestPaginatorRebuildsOnSettingsChange(t *testing.T) {
	st := storage.NewMem()
	b := writeChapters(t, st, 5)

	pg := NewPaginator(b, fixedMeasurer{}, testSettings(), 216, 56, nil, nil)
	if _, err := pg.Page(0, 0, nil); err != nil {
		t.Fatal(err)
	}

	changed := testSettings()
	changed.Reader.FontID = 7
	pg2 := NewPaginator(b, fixedMeasurer{}, changed, 216, 56, nil, nil)
	if pg2.Key() == pg.Key() {
		t.Fatal("font change must change the compatibility key")
	}
	page, err := pg2.Page(0, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(pageWords(page)) == 0 {
		t.Error("rebuilt cache should serve pages")
	}
}

func TestPaginatorExtendsPartialCache(t *testing.T) {
	st := storage.NewMem()
	// 70 one-line paragraphs over 2-line pages: 35 pages, beyond the
	// initial quota.
	b := writeChapters(t, st, 70)

	pg := NewPaginator(b, fixedMeasurer{}, testSettings(), 216, 56, nil, nil)
	c, err := pg.Chapter(0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !c.IsPartial() {
		t.Fatal("long chapter should exceed the initial quota")
	}
	initial := c.PageCount()

	page, err := pg.Page(0, 33, nil)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"w66", "w67"}, pageWords(page)); diff != "" {
		t.Errorf("page 33 (-want +got):\n%s", diff)
	}
	if c.PageCount() <= initial {
		t.Errorf("cache should have grown past %d pages", initial)
	}

	// Walking to the end completes the cache.
	if _, err := pg.Page(0, 34, nil); err != nil {
		t.Fatal(err)
	}
	if c.IsPartial() {
		t.Error("cache should be complete after reading the last page")
	}
	if c.PageCount() != 35 {
		t.Errorf("final page count: %d", c.PageCount())
	}
}

func TestPaginateAllCompletesLongChapter(t *testing.T) {
	st := storage.NewMem()
	b := writeChapters(t, st, 70)

	pg := NewPaginator(b, fixedMeasurer{}, testSettings(), 216, 56, nil, nil)
	c, err := pg.PaginateAll(0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if c.IsPartial() {
		t.Error("cache should be complete")
	}
	if c.PageCount() != 35 {
		t.Errorf("page count: %d", c.PageCount())
	}
}

func TestPaginatorSecondChapterIndependent(t *testing.T) {
	st := storage.NewMem()
	b := writeChapters(t, st, 5)

	pg := NewPaginator(b, fixedMeasurer{}, testSettings(), 216, 56, nil, nil)
	page, err := pg.Page(1, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"second", "chapter"}, pageWords(page)); diff != "" {
		t.Errorf("chapter 2 page 0 (-want +got):\n%s", diff)
	}
}

func TestInvalidateChapter(t *testing.T) {
	st := storage.NewMem()
	b := writeChapters(t, st, 5)

	pg := NewPaginator(b, fixedMeasurer{}, testSettings(), 216, 56, nil, nil)
	if _, err := pg.Page(0, 0, nil); err != nil {
		t.Fatal(err)
	}
	cachePath, _ := b.ChapterCachePath(0)
	if err := pg.InvalidateChapter(0); err != nil {
		t.Fatal(err)
	}
	if st.Exists(cachePath) {
		t.Error("cache file should be removed")
	}
	if _, err := pg.Page(0, 0, nil); err != nil {
		t.Fatal(err)
	}
	if !st.Exists(cachePath) {
		t.Error("cache file should be rebuilt on next access")
	}
}
