package sitemap

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"sync"

	"github.com/fenivana/kasha/internal/model"
)

var xmlBufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

const xmlHeader = `<?xml version="1.0" encoding="UTF-8"?>` + "\n"

type urlsetXML struct {
	XMLName xml.Name  `xml:"urlset"`
	Xmlns   string    `xml:"xmlns,attr"`
	XmlnsNews  string `xml:"xmlns:news,attr,omitempty"`
	XmlnsImage string `xml:"xmlns:image,attr,omitempty"`
	XmlnsVideo string `xml:"xmlns:video,attr,omitempty"`
	URLs    []urlXML `xml:"url"`
}

type urlXML struct {
	Loc      string      `xml:"loc"`
	LastMod  string      `xml:"lastmod,omitempty"`
	News     *newsXML    `xml:"news:news,omitempty"`
	Images   []imageXML  `xml:"image:image,omitempty"`
	Videos   []videoXML  `xml:"video:video,omitempty"`
}

type newsXML struct {
	Publication publicationXML `xml:"news:publication"`
	PublicationDate string      `xml:"news:publication_date"`
	Title           string      `xml:"news:title"`
}

type publicationXML struct {
	Name     string `xml:"news:name"`
	Language string `xml:"news:language"`
}

type imageXML struct {
	Loc string `xml:"image:loc"`
}

type videoXML struct {
	ThumbnailLoc string `xml:"video:thumbnail_loc"`
	Title        string `xml:"video:title"`
	ContentLoc   string `xml:"video:content_loc"`
}

const (
	sitemapNS = "http://www.sitemaps.org/schemas/sitemap/0.9"
	newsNS    = "http://www.google.com/schemas/sitemap-news/0.9"
	imageNS   = "http://www.google.com/schemas/sitemap-image/1.1"
	videoNS   = "http://www.google.com/schemas/sitemap-video/1.1"
)

func renderURLSet(site string, variant Variant, snaps []model.Snapshot) ([]byte, error) {
	doc := urlsetXML{Xmlns: sitemapNS}

	switch variant {
	case VariantNews:
		doc.XmlnsNews = newsNS
	case VariantImage:
		doc.XmlnsImage = imageNS
	case VariantVideo:
		doc.XmlnsVideo = videoNS
	}

	doc.URLs = make([]urlXML, 0, len(snaps))
	for _, snap := range snaps {
		u := urlXML{
			Loc:     "https://" + site + snap.Key.Path,
			LastMod: snap.Times.UpdatedAt.Format("2006-01-02"),
		}

		switch variant {
		case VariantNews:
			u.News = &newsXML{
				Publication:     publicationXML{Name: site, Language: "en"},
				PublicationDate: snap.Meta.PublishedAt.Format("2006-01-02"),
				Title:           snap.Meta.Title,
			}
		case VariantImage:
			for _, img := range snap.Meta.Images {
				u.Images = append(u.Images, imageXML{Loc: img})
			}
		case VariantVideo:
			for _, v := range snap.Meta.Videos {
				u.Videos = append(u.Videos, videoXML{ThumbnailLoc: v, ContentLoc: v, Title: snap.Meta.Title})
			}
		}

		doc.URLs = append(doc.URLs, u)
	}

	return marshalXML(doc)
}

type sitemapIndexXML struct {
	XMLName xml.Name       `xml:"sitemapindex"`
	Xmlns   string         `xml:"xmlns,attr"`
	Entries []sitemapEntry `xml:"sitemap"`
}

type sitemapEntry struct {
	Loc string `xml:"loc"`
}

func renderSitemapIndex(pageURL func(page int) string, pages int) ([]byte, error) {
	doc := sitemapIndexXML{Xmlns: sitemapNS}
	for p := 1; p <= pages; p++ {
		doc.Entries = append(doc.Entries, sitemapEntry{Loc: pageURL(p)})
	}
	return marshalXML(doc)
}

func marshalXML(v any) ([]byte, error) {
	buf := xmlBufPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer xmlBufPool.Put(buf)

	buf.WriteString(xmlHeader)
	enc := xml.NewEncoder(buf)
	enc.Indent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("sitemap: encoding xml: %w", err)
	}

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

func renderRobotsTxt(policy *model.RobotsPolicy, indexURL func(variant Variant) string) []byte {
	var buf bytes.Buffer
	buf.WriteString("User-agent: *\n")

	if policy != nil {
		for _, d := range policy.Disallow {
			fmt.Fprintf(&buf, "Disallow: %s\n", d)
		}
		for _, a := range policy.Allow {
			fmt.Fprintf(&buf, "Allow: %s\n", a)
		}
	}

	buf.WriteString("\n")
	for _, v := range []Variant{VariantPlain, VariantNews, VariantImage, VariantVideo} {
		fmt.Fprintf(&buf, "Sitemap: %s\n", indexURL(v))
	}

	return buf.Bytes()
}
