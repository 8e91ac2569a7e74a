package book

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"path"
	"sort"
	"strings"

	"github.com/beevik/etree"
	"github.com/gosimple/slug"
	"go.uber.org/zap"
	ini "gopkg.in/ini.v1"

	"xtc/archive"
	"xtc/storage"
)

// UnpackResult describes the book directory Unpack produced.
type UnpackResult struct {
	Dir      string
	Title    string
	Author   string
	Chapters int
}

type manifestItem struct {
	href       string
	mediaType  string
	properties string
}

// Unpack extracts an EPUB container into a book directory under outRoot and
// writes the book.ini manifest Open consumes. The directory name is slugged
// from the book title. This is the preprocessing step the device itself
// never runs; readers open the resulting directory.
func Unpack(st storage.Storage, epubPath, outRoot string, log *zap.Logger) (*UnpackResult, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("unpack")

	opfPath, err := rootfilePath(epubPath)
	if err != nil {
		return nil, err
	}
	opfData, err := archive.ReadFile(epubPath, opfPath)
	if err != nil {
		return nil, fmt.Errorf("read OPF: %w", err)
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(opfData); err != nil {
		return nil, fmt.Errorf("parse OPF: %w", err)
	}
	opfDir := ""
	if d := path.Dir(opfPath); d != "." {
		opfDir = d
	}

	title, author, lang, coverID := readMetadata(doc)
	items := readManifestItems(doc)
	spineIDs := readSpine(doc)
	if len(spineIDs) == 0 {
		return nil, fmt.Errorf("%s: empty spine", epubPath)
	}

	name := title
	if name == "" {
		name = strings.TrimSuffix(path.Base(epubPath), path.Ext(epubPath))
	}
	outDir := path.Join(outRoot, slug.Make(name))

	// The container is extracted wholesale so chapter-relative image and
	// stylesheet references keep working.
	if err := st.MkdirAll(outDir); err != nil {
		return nil, fmt.Errorf("output dir: %w", err)
	}
	if err := archive.Walk(epubPath, func(entry string, size int64, r io.Reader) error {
		if entry == "mimetype" || strings.HasPrefix(entry, "META-INF/") {
			return nil
		}
		dst := path.Join(outDir, entry)
		if err := st.MkdirAll(path.Dir(dst)); err != nil {
			return err
		}
		f, err := st.Create(dst)
		if err != nil {
			return err
		}
		if _, err := io.Copy(f, r); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	}); err != nil {
		return nil, fmt.Errorf("extract %s: %w", epubPath, err)
	}

	var chapters, styles []string
	for _, id := range spineIDs {
		item, ok := items[id]
		if !ok {
			log.Warn("spine idref missing from manifest", zap.String("idref", id))
			continue
		}
		href := item.href
		if hash := strings.IndexByte(href, '#'); hash > 0 {
			href = href[:hash]
		}
		chapters = append(chapters, path.Join(opfDir, href))
	}
	cover := findCover(items, coverID)
	for _, item := range items {
		if item.mediaType == "text/css" {
			styles = append(styles, path.Join(opfDir, item.href))
		}
	}
	sort.Strings(styles)
	if len(chapters) == 0 {
		return nil, fmt.Errorf("%s: no usable chapters", epubPath)
	}
	if cover != "" {
		cover = path.Join(opfDir, cover)
	}

	if err := writeBookManifest(st, outDir, title, author, lang, cover, chapters, styles); err != nil {
		return nil, err
	}

	log.Info("book unpacked",
		zap.String("dir", outDir),
		zap.String("title", title),
		zap.Int("chapters", len(chapters)))
	return &UnpackResult{Dir: outDir, Title: title, Author: author, Chapters: len(chapters)}, nil
}

// rootfilePath locates the OPF through META-INF/container.xml.
func rootfilePath(epubPath string) (string, error) {
	data, err := archive.ReadFile(epubPath, "META-INF/container.xml")
	if err != nil {
		return "", fmt.Errorf("read container.xml: %w", err)
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return "", fmt.Errorf("parse container.xml: %w", err)
	}
	for _, el := range doc.FindElements("//rootfile") {
		if p := el.SelectAttrValue("full-path", ""); p != "" {
			return p, nil
		}
	}
	return "", fmt.Errorf("%s: no rootfile in container.xml", epubPath)
}

// readMetadata pulls title, creator, language and the legacy cover meta from
// the OPF metadata block. Matching is on local names so Dublin Core prefixes
// do not matter.
func readMetadata(doc *etree.Document) (title, author, lang, coverID string) {
	meta := doc.FindElement("//metadata")
	if meta == nil {
		return
	}
	for _, el := range meta.ChildElements() {
		switch el.Tag {
		case "title":
			if title == "" {
				title = strings.TrimSpace(el.Text())
			}
		case "creator":
			if author == "" {
				author = strings.TrimSpace(el.Text())
			}
		case "language":
			if lang == "" {
				lang = strings.TrimSpace(el.Text())
			}
		case "meta":
			if el.SelectAttrValue("name", "") == "cover" {
				coverID = el.SelectAttrValue("content", "")
			}
		}
	}
	return
}

func readManifestItems(doc *etree.Document) map[string]manifestItem {
	items := make(map[string]manifestItem)
	for _, el := range doc.FindElements("//manifest/item") {
		id := el.SelectAttrValue("id", "")
		href := el.SelectAttrValue("href", "")
		if id == "" || href == "" {
			continue
		}
		if decoded, err := url.PathUnescape(href); err == nil {
			href = decoded
		}
		items[id] = manifestItem{
			href:       href,
			mediaType:  el.SelectAttrValue("media-type", ""),
			properties: el.SelectAttrValue("properties", ""),
		}
	}
	return items
}

func readSpine(doc *etree.Document) []string {
	var ids []string
	for _, el := range doc.FindElements("//spine/itemref") {
		if id := el.SelectAttrValue("idref", ""); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// findCover prefers the EPUB3 cover-image property, then the EPUB2 meta id.
func findCover(items map[string]manifestItem, coverID string) string {
	for _, item := range items {
		if strings.Contains(item.properties, "cover-image") {
			return item.href
		}
	}
	if item, ok := items[coverID]; ok && coverID != "" {
		return item.href
	}
	return ""
}

func writeBookManifest(st storage.Storage, outDir, title, author, lang, cover string, chapters, styles []string) error {
	f := ini.Empty()

	meta := f.Section("book")
	meta.Key("title").SetValue(title)
	meta.Key("author").SetValue(author)
	meta.Key("language").SetValue(lang)
	if cover != "" {
		meta.Key("cover").SetValue(cover)
	}

	spine := f.Section("spine")
	for i, ch := range chapters {
		spine.Key(fmt.Sprintf("%04d", i)).SetValue(ch)
	}
	sheets := f.Section("styles")
	for i, sp := range styles {
		sheets.Key(fmt.Sprintf("%04d", i)).SetValue(sp)
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return fmt.Errorf("render manifest: %w", err)
	}
	out, err := st.Create(path.Join(outDir, manifestName))
	if err != nil {
		return fmt.Errorf("create manifest: %w", err)
	}
	if _, err := out.Write(buf.Bytes()); err != nil {
		out.Close()
		return fmt.Errorf("write manifest: %w", err)
	}
	return out.Close()
}
