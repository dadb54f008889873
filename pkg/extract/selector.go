package extract

import (
	"bytes"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"

	"listing-crawler/pkg/config"
	"listing-crawler/pkg/models"
	"listing-crawler/pkg/parse"
	"listing-crawler/pkg/utils"
)

var (
	datePattern   = regexp.MustCompile(`\d{1,2}[.\-/]\d{1,2}[.\-/]\d{4}|\d{4}-\d{2}-\d{2}`)
	ratingPattern = regexp.MustCompile(`\d+(?:[.,]\d+)?`)
	dateLayouts   = []string{"02-01-2006", "2-1-2006", "02.01.2006", "2.1.2006", "02/01/2006", "2006-01-02"}
)

// SelectorExtractor is a goquery Extractor driven by configurable CSS selectors.
type SelectorExtractor struct {
	sel       config.SelectorConfig
	delivery  []*regexp.Regexp
	converter *md.Converter
	log       *logrus.Entry
}

// NewSelectorExtractor compiles the selector configuration.
func NewSelectorExtractor(sel config.SelectorConfig, log *logrus.Entry) (*SelectorExtractor, error) {
	delivery, err := utils.CompileRegexPatterns(sel.DeliveryPatterns)
	if err != nil {
		return nil, err
	}
	e := &SelectorExtractor{
		sel:      sel,
		delivery: delivery,
		log:      log.WithField("component", "extractor"),
	}
	if sel.DescriptionMarkdown {
		e.converter = md.NewConverter("", true, nil)
	}
	return e, nil
}

// ExtractListingStubs implements Extractor.
func (e *SelectorExtractor) ExtractListingStubs(page Page) ([]models.ListingStub, error) {
	doc, base, err := parsePage(page)
	if err != nil {
		return nil, err
	}

	items, used := firstMatching(doc.Selection, e.sel.ListingItems)
	if items.Length() == 0 {
		items, used = firstMatching(doc.Selection, e.sel.ListingItemsFallback)
		if items.Length() > 0 {
			e.log.WithFields(logrus.Fields{"url": page.URL, "selector": used}).Debug("Primary listing selectors matched nothing, using fallback")
		}
	}

	var stubs []models.ListingStub
	seen := make(map[string]bool)
	items.Each(func(_ int, item *goquery.Selection) {
		link := item
		if !item.Is("a[href]") {
			link = item.Find(e.sel.ListingLink).First()
		}
		href, ok := link.Attr("href")
		if !ok {
			return
		}
		abs := resolveLink(base, href)
		if abs == "" || seen[abs] {
			return
		}
		seen[abs] = true
		stubs = append(stubs, models.ListingStub{URL: abs})
	})
	return stubs, nil
}

// ExtractDetail implements Extractor.
func (e *SelectorExtractor) ExtractDetail(page Page) (models.AdRecord, error) {
	doc, _, err := parsePage(page)
	if err != nil {
		return models.AdRecord{}, err
	}

	// A missing title stays empty; only an unparsable page is an error.
	title := firstText(doc.Selection, e.sel.Title)
	if title == "" {
		e.log.WithField("url", page.URL).Debug("No title matched, keeping the ad with an empty title")
	}

	rec := models.AdRecord{
		Title:       title,
		Description: e.description(doc),
		PriceRaw:    firstText(doc.Selection, e.sel.Price),
		URL:         page.URL,
		Location:    firstText(doc.Selection, e.sel.Location),
		PublishedAt: firstText(doc.Selection, e.sel.PublishedAt),
		Delivery:    utils.MatchAny(e.delivery, doc.Text()),
	}
	if rec.PriceRaw == "" {
		rec.PriceRaw = e.sel.DefaultPrice
	}
	if views, err := strconv.Atoi(utils.DigitsOnly(firstText(doc.Selection, e.sel.Views))); err == nil {
		rec.Views = views
	}
	rec.Seller = e.seller(doc)
	return rec, nil
}

func (e *SelectorExtractor) description(doc *goquery.Document) string {
	node, _ := firstMatching(doc.Selection, e.sel.Description)
	if node.Length() == 0 {
		return ""
	}
	if e.converter != nil {
		html, err := goquery.OuterHtml(node.First())
		if err == nil {
			if markdown, err := e.converter.ConvertString(html); err == nil {
				return strings.TrimSpace(markdown)
			}
		}
		e.log.Debug("Markdown conversion failed, using plain text description")
	}
	return cleanText(node.First().Text())
}

// seller reads seller fields from the seller block, falling back to the whole
// page for the optional fields. Anything not found stays unknown.
func (e *SelectorExtractor) seller(doc *goquery.Document) models.SellerInfo {
	var info models.SellerInfo
	scope := doc.Selection
	if block, _ := firstMatching(doc.Selection, e.sel.SellerBlock); block.Length() > 0 {
		scope = block.First()
		info.Name = firstText(scope, e.sel.SellerName)
	}

	lookup := func(selectors []string) *goquery.Selection {
		if s, _ := firstMatching(scope, selectors); s.Length() > 0 {
			return s.First()
		}
		s, _ := firstMatching(doc.Selection, selectors)
		return s.First()
	}

	if node := lookup(e.sel.SellerRegistered); node.Length() > 0 {
		info.RegisteredAt = parseDate(attrOrText(node, "datetime"))
	}
	if node := lookup(e.sel.SellerAdCount); node.Length() > 0 {
		if n, err := strconv.Atoi(utils.DigitsOnly(attrOrText(node, "data-count"))); err == nil {
			info.AdCount = &n
		}
	}
	if node := lookup(e.sel.SellerRating); node.Length() > 0 {
		info.Rating = parseRating(attrOrText(node, "data-rating"))
	}
	return info
}

func parsePage(page Page) (*goquery.Document, *url.URL, error) {
	base, err := url.Parse(page.URL)
	if err != nil {
		return nil, nil, utils.WrapErrorf(utils.ErrParsing, "page URL %q: %v", page.URL, err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return nil, nil, utils.WrapErrorf(utils.ErrParsing, "HTML of %s: %v", page.URL, err)
	}
	return doc, base, nil
}

// firstMatching returns the matches of the first selector that finds anything.
func firstMatching(scope *goquery.Selection, selectors []string) (*goquery.Selection, string) {
	for _, s := range selectors {
		if found := scope.Find(s); found.Length() > 0 {
			return found, s
		}
	}
	return scope.Slice(0, 0), ""
}

func firstText(scope *goquery.Selection, selectors []string) string {
	for _, s := range selectors {
		found := scope.Find(s)
		for i := 0; i < found.Length(); i++ {
			if text := cleanText(found.Eq(i).Text()); text != "" {
				return text
			}
		}
	}
	return ""
}

func attrOrText(node *goquery.Selection, attr string) string {
	if v, ok := node.Attr(attr); ok && strings.TrimSpace(v) != "" {
		return v
	}
	return node.Text()
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func resolveLink(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(strings.ToLower(href), "javascript:") {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	abs := base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return ""
	}
	return parse.NormalizeURL(abs)
}

func parseDate(s string) *time.Time {
	match := datePattern.FindString(s)
	if match == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, match); err == nil {
			return &t
		}
	}
	return nil
}

func parseRating(s string) *float64 {
	match := ratingPattern.FindString(s)
	if match == "" {
		return nil
	}
	v, err := strconv.ParseFloat(strings.Replace(match, ",", ".", 1), 64)
	if err != nil || v < 0 || v > 5 {
		return nil
	}
	return &v
}
