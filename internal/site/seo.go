package site

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"html"
	"net/url"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultOGImage is used when neither the route nor the site sets an image.
const DefaultOGImage = "https://www.areebb.com/opengraph.jpg"

//go:embed routes.yaml
var defaultRoutes []byte

// Lang is a page language.
type Lang string

const (
	Arabic  Lang = "ar"
	English Lang = "en"
)

// LanguageFromQuery selects English only for lang=en. Everything else is Arabic.
func LanguageFromQuery(q url.Values) Lang {
	if q.Get("lang") == string(English) {
		return English
	}
	return Arabic
}

// Meta is the per-language text of a route.
type Meta struct {
	Title       string `yaml:"title"`
	Description string `yaml:"description"`
	Keywords    string `yaml:"keywords"`
}

// Route holds the metadata of one client-side route.
type Route struct {
	CanonicalURL string `yaml:"canonical_url"`
	OGImage      string `yaml:"og_image"`
	Arabic       *Meta  `yaml:"ar"`
	English      *Meta  `yaml:"en"`
}

// Routes is the decoded route metadata file.
type Routes struct {
	SiteName       string           `yaml:"site_name"`
	BaseURL        string           `yaml:"base_url"`
	Twitter        string           `yaml:"twitter"`
	OGImage        string           `yaml:"og_image"`
	StructuredData []map[string]any `yaml:"structured_data"`
	Routes         map[string]Route `yaml:"routes"`
}

// Page is the resolved metadata for a single request.
type Page struct {
	Lang         Lang
	Title        string
	Description  string
	Keywords     string
	CanonicalURL string
	OGImage      string
}

// LoadRoutes reads route metadata from path, or the built-in routes when
// path is empty.
func LoadRoutes(path string) (*Routes, error) {
	if path == "" {
		return ParseRoutes(defaultRoutes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading routes file: %w", err)
	}
	return ParseRoutes(data)
}

// ParseRoutes decodes a YAML route metadata document.
func ParseRoutes(data []byte) (*Routes, error) {
	var r Routes
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parsing routes: %w", err)
	}
	if r.BaseURL == "" {
		r.BaseURL = "https://www.areebb.com"
	}
	r.BaseURL = strings.TrimSuffix(r.BaseURL, "/")
	if r.OGImage == "" {
		r.OGImage = DefaultOGImage
	}
	if r.SiteName == "" {
		r.SiteName = "Areeb"
	}
	return &r, nil
}

// NormalizePath drops the query and a trailing slash. The root stays "/".
func NormalizePath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	p = strings.TrimSuffix(p, "/")
	if p == "" {
		return "/"
	}
	return p
}

// Lookup resolves the page metadata for path in lang. A route without the
// requested language falls back to Arabic, and the Page reports the language
// actually served.
func (r *Routes) Lookup(path string, lang Lang) (Page, bool) {
	route, ok := r.Routes[NormalizePath(path)]
	if !ok {
		return Page{}, false
	}

	meta := route.Arabic
	if lang == English && route.English != nil {
		meta = route.English
	} else {
		lang = Arabic
	}
	if meta == nil {
		return Page{}, false
	}

	img := route.OGImage
	if img == "" {
		img = r.OGImage
	}
	return Page{
		Lang:         lang,
		Title:        meta.Title,
		Description:  meta.Description,
		Keywords:     meta.Keywords,
		CanonicalURL: route.CanonicalURL,
		OGImage:      img,
	}, true
}

var (
	htmlTagRe    = regexp.MustCompile(`(?i)<html(\s[^>]*)?>`)
	langDirRe    = regexp.MustCompile(`(?i)\s*\b(?:lang|dir)=["'][^"']*["']`)
	titleRe      = regexp.MustCompile(`(?is)<title>.*?</title>`)
	ldJSONRe     = regexp.MustCompile(`(?is)\s*<script[^>]*type=["']application/ld\+json["'][^>]*>.*?</script>`)
	staleMetaRe  = regexp.MustCompile(`(?i)\s*<meta\s+(?:name|property)=["'](?:description|keywords|og:[^"']*|twitter:[^"']*)["'][^>]*>`)
	staleLinksRe = regexp.MustCompile(`(?i)\s*<link\s+rel=["'](?:canonical|alternate)["'][^>]*>`)
)

// Inject rewrites doc for page: the html lang and dir attributes, the title,
// and a fresh block of meta, link and JSON-LD tags before </head>.
func (r *Routes) Inject(doc string, page Page) (string, error) {
	dir := "ltr"
	if page.Lang == Arabic {
		dir = "rtl"
	}

	if loc := htmlTagRe.FindStringSubmatchIndex(doc); loc != nil {
		attrs := ""
		if loc[2] >= 0 {
			attrs = strings.TrimSpace(langDirRe.ReplaceAllString(doc[loc[2]:loc[3]], ""))
		}
		tag := fmt.Sprintf(`<html lang="%s" dir="%s"`, page.Lang, dir)
		if attrs != "" {
			tag += " " + attrs
		}
		doc = doc[:loc[0]] + tag + ">" + doc[loc[1]:]
	}

	title := "<title>" + html.EscapeString(page.Title) + "</title>"
	hasTitle := titleRe.MatchString(doc)
	if hasTitle {
		replaced := false
		doc = titleRe.ReplaceAllStringFunc(doc, func(string) string {
			if replaced {
				return ""
			}
			replaced = true
			return title
		})
	}

	if !strings.Contains(doc, "</head>") {
		return doc, nil
	}

	scripts, err := r.structuredData()
	if err != nil {
		return "", err
	}

	doc = ldJSONRe.ReplaceAllString(doc, "")
	doc = staleMetaRe.ReplaceAllString(doc, "")
	doc = staleLinksRe.ReplaceAllString(doc, "")

	var b strings.Builder
	if !hasTitle {
		b.WriteString("    " + title + "\n")
	}
	for _, tag := range r.metaTags(page) {
		b.WriteString("    " + tag + "\n")
	}
	b.WriteString(scripts)

	return strings.Replace(doc, "</head>", b.String()+"  </head>", 1), nil
}

func (r *Routes) metaTags(p Page) []string {
	esc := html.EscapeString
	locale, altLocale := "ar_JO", "en_US"
	if p.Lang == English {
		locale, altLocale = altLocale, locale
	}

	tags := []string{
		meta("name", "description", esc(p.Description)),
	}
	if p.Keywords != "" {
		tags = append(tags, meta("name", "keywords", esc(p.Keywords)))
	}
	tags = append(tags,
		meta("property", "og:title", esc(p.Title)),
		meta("property", "og:description", esc(p.Description)),
		meta("property", "og:url", esc(p.CanonicalURL)),
		meta("property", "og:type", "website"),
		meta("property", "og:site_name", esc(r.SiteName)),
	)
	if p.OGImage != "" {
		tags = append(tags,
			meta("property", "og:image", esc(p.OGImage)),
			meta("property", "og:image:width", "1200"),
			meta("property", "og:image:height", "630"),
			meta("property", "og:image:alt", esc(p.Title)),
		)
	}
	tags = append(tags,
		meta("property", "og:locale", locale),
		meta("property", "og:locale:alternate", altLocale),
		meta("name", "twitter:card", "summary_large_image"),
	)
	if r.Twitter != "" {
		tags = append(tags,
			meta("name", "twitter:site", esc(r.Twitter)),
			meta("name", "twitter:creator", esc(r.Twitter)),
		)
	}
	tags = append(tags,
		meta("name", "twitter:title", esc(p.Title)),
		meta("name", "twitter:description", esc(p.Description)),
	)
	if p.OGImage != "" {
		tags = append(tags,
			meta("name", "twitter:image", esc(p.OGImage)),
			meta("name", "twitter:image:alt", esc(p.Title)),
		)
	}

	path := strings.TrimPrefix(p.CanonicalURL, r.BaseURL)
	if path == "" {
		path = "/"
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	alternate := func(lang, href string) string {
		return fmt.Sprintf(`<link rel="alternate" hreflang="%s" href="%s">`, lang, esc(href))
	}
	tags = append(tags,
		fmt.Sprintf(`<link rel="canonical" href="%s">`, esc(p.CanonicalURL)),
		alternate("en", r.BaseURL+path+sep+"lang=en"),
		alternate("ar", r.BaseURL+path+sep+"lang=ar"),
		alternate("x-default", r.BaseURL+"/?lang=ar"),
	)
	return tags
}

func meta(attr, key, content string) string {
	return fmt.Sprintf(`<meta %s="%s" content="%s">`, attr, key, content)
}

// structuredData renders each JSON-LD object as its own script element.
// encoding/json escapes <, > and & so the payload cannot close the script.
func (r *Routes) structuredData() (string, error) {
	var b strings.Builder
	for i, obj := range r.StructuredData {
		data, err := json.MarshalIndent(obj, "    ", "  ")
		if err != nil {
			return "", fmt.Errorf("encoding structured data: %w", err)
		}
		fmt.Fprintf(&b, "    <script type=\"application/ld+json\" id=\"structured-data-%d\">\n    %s\n    </script>\n", i, data)
	}
	return b.String(), nil
}
