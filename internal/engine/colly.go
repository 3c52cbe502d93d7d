package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"golang.org/x/time/rate"

	"github.com/anycrawl/anycrawl-api/internal/config"
	"github.com/anycrawl/anycrawl-api/internal/models"
)

const defaultUserAgent = "Mozilla/5.0 (compatible; AnyCrawl/1.0; +https://anycrawl.dev)"

// CollyScraper is the default HTML engine ("cheerio" in the public API).
// It fetches pages with colly and extracts content with goquery. Fetch rate
// is capped per process so a burst of jobs cannot hammer one origin.
type CollyScraper struct {
	cfg     *config.Config
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewCollyScraper creates the default scraper.
func NewCollyScraper(cfg *config.Config, logger *slog.Logger) *CollyScraper {
	return &CollyScraper{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.EngineRateLimit), 1),
		logger:  logger.With("component", "engine"),
	}
}

func (s *CollyScraper) Scrape(ctx context.Context, opts *models.ScrapeOptions) (*Page, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	c := colly.NewCollector(
		colly.UserAgent(defaultUserAgent),
		colly.MaxDepth(1),
	)
	c.SetRequestTimeout(s.requestTimeout(opts))

	if proxyURL := s.resolveProxy(opts.Proxy); proxyURL != "" {
		if err := c.SetProxy(proxyURL); err != nil {
			return nil, fmt.Errorf("failed to set proxy: %w", err)
		}
	}
	for name, value := range opts.Headers {
		c.OnRequest(func(name, value string) func(*colly.Request) {
			return func(r *colly.Request) { r.Headers.Set(name, value) }
		}(name, value))
	}

	page := &Page{URL: opts.URL}
	var fetchErr error

	c.OnResponse(func(r *colly.Response) {
		page.StatusCode = r.StatusCode
	})
	c.OnError(func(r *colly.Response, err error) {
		fetchErr = err
		if r != nil && r.StatusCode > 0 {
			page.StatusCode = r.StatusCode
		}
	})
	c.OnHTML("html", func(e *colly.HTMLElement) {
		s.extract(page, e, opts)
	})

	if err := c.Visit(opts.URL); err != nil {
		return nil, fmt.Errorf("fetch failed: %w", err)
	}
	c.Wait()

	if fetchErr != nil {
		return nil, fmt.Errorf("fetch failed with status %d: %w", page.StatusCode, fetchErr)
	}
	return page, nil
}

func (s *CollyScraper) requestTimeout(opts *models.ScrapeOptions) time.Duration {
	if opts.Timeout > 0 {
		return time.Duration(opts.Timeout) * time.Millisecond
	}
	return s.cfg.RequestTimeout
}

// resolveProxy maps the request's proxy mode to a pool URL. "auto" uses the
// base pool when one is configured. Anything that is not a known mode is a
// caller-supplied proxy URL and passes through.
func (s *CollyScraper) resolveProxy(proxy string) string {
	switch proxy {
	case "", models.ProxyNone:
		return ""
	case models.ProxyAuto, models.ProxyBase:
		return s.cfg.ProxyBaseURL
	case models.ProxyStealth:
		if s.cfg.ProxyStealthURL != "" {
			return s.cfg.ProxyStealthURL
		}
		return s.cfg.ProxyBaseURL
	default:
		return proxy
	}
}

func (s *CollyScraper) extract(page *Page, e *colly.HTMLElement, opts *models.ScrapeOptions) {
	doc := e.DOM

	page.Title = strings.TrimSpace(doc.Find("title").First().Text())
	if desc, ok := doc.Find(`meta[name="description"]`).First().Attr("content"); ok {
		page.Description = strings.TrimSpace(desc)
	}

	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, ok := a.Attr("href")
		if !ok {
			return
		}
		if abs := e.Request.AbsoluteURL(href); abs != "" {
			page.Links = append(page.Links, abs)
		}
	})

	root := s.contentRoot(doc, opts)
	root.Find("script, style, noscript, iframe").Remove()
	for _, tag := range opts.ExcludeTags {
		root.Find(tag).Remove()
	}

	for _, format := range opts.EffectiveFormats() {
		switch format {
		case "markdown", "summary":
			if page.Markdown == "" {
				page.Markdown = toMarkdown(root)
			}
		case "html":
			if html, err := goquery.OuterHtml(root); err == nil {
				page.HTML = html
			}
		}
	}
}

// contentRoot picks the extraction root: explicit include_tags win, then
// <main>/<article> when only_main_content is set, then <body>.
func (s *CollyScraper) contentRoot(doc *goquery.Selection, opts *models.ScrapeOptions) *goquery.Selection {
	if len(opts.IncludeTags) > 0 {
		return doc.Find(strings.Join(opts.IncludeTags, ", "))
	}
	if opts.MainContentOnly() {
		for _, sel := range []string{"main", "article"} {
			if found := doc.Find(sel); found.Length() > 0 {
				return found.First()
			}
		}
	}
	if body := doc.Find("body"); body.Length() > 0 {
		return body.First()
	}
	return doc
}

// toMarkdown produces a plain markdown rendition of the selection. This is
// intentionally lossy: headings, paragraphs, and list items only.
func toMarkdown(root *goquery.Selection) string {
	var b strings.Builder

	root.Find("h1, h2, h3, h4, h5, h6, p, li").Each(func(_ int, sel *goquery.Selection) {
		text := strings.Join(strings.Fields(sel.Text()), " ")
		if text == "" {
			return
		}
		switch goquery.NodeName(sel) {
		case "h1":
			b.WriteString("# " + text + "\n\n")
		case "h2":
			b.WriteString("## " + text + "\n\n")
		case "h3":
			b.WriteString("### " + text + "\n\n")
		case "h4", "h5", "h6":
			b.WriteString("#### " + text + "\n\n")
		case "li":
			b.WriteString("- " + text + "\n")
		default:
			b.WriteString(text + "\n\n")
		}
	})

	return strings.TrimSpace(b.String())
}
