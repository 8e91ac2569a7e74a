package book

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"xtc/storage"
)

const containerXML = `<?xml version="1.0"?>
<container version="1.0" xmlns="urn:oasis:names:tc:opendocument:xmlns:container">
  <rootfiles>
    <rootfile full-path="OEBPS/content.opf" media-type="application/oebps-package+xml"/>
  </rootfiles>
</container>`

const contentOPF = `<?xml version="1.0"?>
<package xmlns="http://www.idpf.org/2007/opf" version="2.0">
  <metadata xmlns:dc="http://purl.org/dc/elements/1.1/">
    <dc:title>A Study in Scarlet</dc:title>
    <dc:creator>Arthur Conan Doyle</dc:creator>
    <dc:language>en</dc:language>
    <meta name="cover" content="cover-img"/>
  </metadata>
  <manifest>
    <item id="ch2" href="text/chapter%202.xhtml" media-type="application/xhtml+xml"/>
    <item id="ch1" href="text/chapter1.xhtml" media-type="application/xhtml+xml"/>
    <item id="style" href="css/main.css" media-type="text/css"/>
    <item id="cover-img" href="images/cover.jpg" media-type="image/jpeg"/>
  </manifest>
  <spine>
    <itemref idref="ch1"/>
    <itemref idref="ch2"/>
  </spine>
</package>`

func writeEpub(t *testing.T, files map[string]string) string {
	t.Helper()
	epubPath := filepath.Join(t.TempDir(), "book.epub")
	zf, err := os.Create(epubPath)
	if err != nil {
		t.Fatal(err)
	}
	w := zip.NewWriter(zf)
	for name, content := range files {
		fw, err := w.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := fw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if err := zf.Close(); err != nil {
		t.Fatal(err)
	}
	return epubPath
}

func testEpubFiles() map[string]string {
	return map[string]string{
		"mimetype":                   "application/epub+zip",
		"META-INF/container.xml":     containerXML,
		"OEBPS/content.opf":          contentOPF,
		"OEBPS/text/chapter1.xhtml":  "<html><body><p>one</p></body></html>",
		"OEBPS/text/chapter 2.xhtml": "<html><body><p>two</p></body></html>",
		"OEBPS/css/main.css":         "p { text-align: center }",
		"OEBPS/images/cover.jpg":     "jpegbytes",
	}
}

func TestUnpack(t *testing.T) {
	epubPath := writeEpub(t, testEpubFiles())
	st := storage.NewMem()

	res, err := Unpack(st, epubPath, "/books", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Title != "A Study in Scarlet" || res.Author != "Arthur Conan Doyle" {
		t.Errorf("metadata: %q / %q", res.Title, res.Author)
	}
	if res.Dir != "/books/a-study-in-scarlet" {
		t.Errorf("dir: %s", res.Dir)
	}
	if res.Chapters != 2 {
		t.Errorf("chapters: %d", res.Chapters)
	}

	// Content extracted with container paths, percent-encoding resolved in
	// the manifest but the stored entry kept verbatim.
	if !st.Exists(res.Dir + "/OEBPS/text/chapter1.xhtml") {
		t.Error("chapter 1 not extracted")
	}
	if !st.Exists(res.Dir + "/OEBPS/text/chapter 2.xhtml") {
		t.Error("chapter 2 not extracted")
	}
	if st.Exists(res.Dir+"/mimetype") || st.Exists(res.Dir+"/META-INF/container.xml") {
		t.Error("container plumbing should not be extracted")
	}

	b, err := Open(st, res.Dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"OEBPS/text/chapter1.xhtml", "OEBPS/text/chapter 2.xhtml"}
	if diff := cmp.Diff(want, b.Chapters()); diff != "" {
		t.Errorf("spine (-want +got):\n%s", diff)
	}
	if b.CoverSrc != "OEBPS/images/cover.jpg" {
		t.Errorf("cover: %q", b.CoverSrc)
	}
	if b.Language != "en" {
		t.Errorf("language: %q", b.Language)
	}
	if len(b.stylesheets) != 1 || b.stylesheets[0] != "OEBPS/css/main.css" {
		t.Errorf("stylesheets: %v", b.stylesheets)
	}
}

func TestUnpackUntitledFallsBackToFilename(t *testing.T) {
	files := testEpubFiles()
	files["OEBPS/content.opf"] = `<?xml version="1.0"?>
<package xmlns="http://www.idpf.org/2007/opf">
  <metadata/>
  <manifest>
    <item id="ch1" href="text/chapter1.xhtml" media-type="application/xhtml+xml"/>
  </manifest>
  <spine><itemref idref="ch1"/></spine>
</package>`
	epubPath := writeEpub(t, files)
	st := storage.NewMem()

	res, err := Unpack(st, epubPath, "/books", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Dir != "/books/book" {
		t.Errorf("dir: %s", res.Dir)
	}
}

func TestUnpackRejectsMissingContainer(t *testing.T) {
	epubPath := writeEpub(t, map[string]string{"mimetype": "application/epub+zip"})
	if _, err := Unpack(storage.NewMem(), epubPath, "/books", nil); err == nil {
		t.Error("epub without container.xml should fail")
	}
}

func TestUnpackRejectsEmptySpine(t *testing.T) {
	files := testEpubFiles()
	files["OEBPS/content.opf"] = `<?xml version="1.0"?>
<package xmlns="http://www.idpf.org/2007/opf">
  <metadata/>
  <manifest>
    <item id="ch1" href="text/chapter1.xhtml" media-type="application/xhtml+xml"/>
  </manifest>
  <spine/>
</package>`
	epubPath := writeEpub(t, files)
	if _, err := Unpack(storage.NewMem(), epubPath, "/books", nil); err == nil {
		t.Error("empty spine should fail")
	}
}

func TestUnpackSpineSkipsDanglingIdref(t *testing.T) {
	files := testEpubFiles()
	files["OEBPS/content.opf"] = `<?xml version="1.0"?>
<package xmlns="http://www.idpf.org/2007/opf">
  <metadata><dc:title xmlns:dc="http://purl.org/dc/elements/1.1/">T</dc:title></metadata>
  <manifest>
    <item id="ch1" href="text/chapter1.xhtml" media-type="application/xhtml+xml"/>
  </manifest>
  <spine>
    <itemref idref="ghost"/>
    <itemref idref="ch1"/>
  </spine>
</package>`
	epubPath := writeEpub(t, files)

	res, err := Unpack(storage.NewMem(), epubPath, "/books", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Chapters != 1 {
		t.Errorf("chapters: %d", res.Chapters)
	}
}
