// Package appstore extracts listing records from app store detail pages.
package appstore

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/sitemap-harvester/internal/harvest"
)

// DefaultCurrency is reported on pricing when none is configured.
const DefaultCurrency = "USD"

// Config controls extraction constants.
type Config struct {
	Currency string
}

// Extractor implements harvest.Extractor over goquery.
type Extractor struct {
	currency string
}

// New builds an Extractor.
func New(cfg Config) *Extractor {
	currency := cfg.Currency
	if currency == "" {
		currency = DefaultCurrency
	}
	return &Extractor{currency: currency}
}

// Extract parses one listing page. Missing sections leave their fields zero;
// callers decide whether the record is complete.
func (e *Extractor) Extract(body []byte) (harvest.Record, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return harvest.Record{}, fmt.Errorf("parse listing html: %w", err)
	}

	var rec harvest.Record
	rec.BasicInfo = basicInfo(doc)
	rec.Ratings = ratings(doc)
	rec.Developer = developer(doc)
	rec.LaunchDate = launchDate(doc)
	rec.Media = media(doc)
	rec.SimilarApps = similarApps(doc)
	rec.Pricing = e.pricing(doc)
	return rec, nil
}

func basicInfo(doc *goquery.Document) harvest.BasicInfo {
	hero := doc.Find("#adp-hero")
	if hero.Length() == 0 {
		return harvest.BasicInfo{}
	}

	var description []string
	for _, line := range strings.Split(doc.Find("#app-details").Text(), "\n") {
		line = collapseSpace(line)
		if line == "" || line == "more" {
			continue
		}
		description = append(description, line)
	}

	var highlights []string
	doc.Find("dl").Each(func(_ int, dl *goquery.Selection) {
		if strings.TrimSpace(dl.Find("dt").Text()) != "Highlights" {
			return
		}
		dl.Find(`dd span:not([role="img"])`).Each(func(_ int, span *goquery.Selection) {
			if text := strings.TrimSpace(span.Text()); text != "" {
				highlights = append(highlights, text)
			}
		})
	})

	icon, _ := hero.Find("figure img").First().Attr("src")
	return harvest.BasicInfo{
		Name:        text(hero.Find("h1")),
		Icon:        icon,
		Description: description,
		Highlights:  highlights,
	}
}

func ratings(doc *goquery.Document) harvest.Ratings {
	section := doc.Find(".app-reviews-metrics")
	if section.Length() == 0 {
		return harvest.Ratings{}
	}
	breakdown := make(map[string]int)
	section.Find("ul li").Each(func(_ int, li *goquery.Selection) {
		stars := text(li.Find(".tw-mr-2xs"))
		count, err := strconv.Atoi(strings.ReplaceAll(text(li.Find("a span")), ",", ""))
		if stars == "" || err != nil {
			return
		}
		breakdown[stars] = count
	})
	total := strings.NewReplacer("(", "", ")", "").Replace(doc.Find("h2 .tw-text-body-md").Text())
	return harvest.Ratings{
		Score:     text(section.Find(`[aria-label^="4"]`).First()),
		Total:     strings.TrimSpace(total),
		Breakdown: breakdown,
	}
}

func developer(doc *goquery.Document) harvest.Developer {
	section := doc.Find("section#adp-developer")
	if section.Length() == 0 {
		return harvest.Developer{}
	}
	email, _ := doc.Find("[data-developer-support-email]").Attr("data-developer-support-email")
	return harvest.Developer{
		Name:          text(section.Find("a").First()),
		Website:       href(section, `a:contains("Website")`),
		Address:       text(section.Find(".tw-text-fg-tertiary")),
		PrivacyPolicy: href(section, `a:contains("Privacy policy")`),
		FAQ:           href(section, `a:contains("FAQ")`),
		SupportEmail:  email,
	}
}

func launchDate(doc *goquery.Document) *string {
	section := doc.Find("#adp-developer .tw-grid:last-child")
	if section.Length() == 0 {
		return nil
	}
	date := text(section.Find(".tw-text-fg-secondary"))
	if date == "" {
		return nil
	}
	return &date
}

func media(doc *goquery.Document) harvest.Media {
	gallery := doc.Find(".gallery-component")
	if gallery.Length() == 0 {
		return harvest.Media{}
	}
	video, _ := gallery.Find("iframe").Attr("src")
	var shots []harvest.Screenshot
	gallery.Find(`img[alt]:not([aria-hidden="true"])`).Each(func(_ int, img *goquery.Selection) {
		src, _ := img.Attr("src")
		alt, _ := img.Attr("alt")
		shots = append(shots, harvest.Screenshot{URL: src, Alt: alt})
	})
	return harvest.Media{Video: video, Screenshots: shots}
}

// similarApps returns nil when the page has no similar-apps section and a
// non-nil slice, possibly empty, when it does.
func similarApps(doc *goquery.Document) []harvest.SimilarApp {
	section := doc.Find("#adp-similar-apps")
	if section.Length() == 0 {
		return nil
	}
	apps := make([]harvest.SimilarApp, 0)
	section.Find(`[data-controller="app-card"]`).Each(func(_ int, card *goquery.Selection) {
		apps = append(apps, harvest.SimilarApp{
			Name:   card.AttrOr("data-app-card-name-value", ""),
			Handle: card.AttrOr("data-app-card-handle-value", ""),
			Icon:   card.AttrOr("data-app-card-icon-url-value", ""),
			Link:   card.AttrOr("data-app-card-app-link-value", ""),
		})
	})
	return apps
}

func (e *Extractor) pricing(doc *goquery.Document) harvest.Pricing {
	section := doc.Find(`[data-controller="pricing-component"]`)
	if section.Length() == 0 {
		return harvest.Pricing{}
	}
	plans := make([]harvest.PricingPlan, 0)
	section.Find(".app-details-pricing-plan-card").Each(func(_ int, card *goquery.Selection) {
		priceGroup := card.Find(".app-details-pricing-format-group")
		price := text(priceGroup.Find(".tw-text-heading-2xl"))
		if price == "Free" {
			price = "0"
		} else {
			price = strings.ReplaceAll(price, "$", "")
		}

		features := make([]string, 0)
		card.Find(`[data-test-id="features"] li`).Each(func(_ int, li *goquery.Selection) {
			if t := text(li); t != "" {
				features = append(features, t)
			}
		})

		var trial *string
		if t := text(card.Closest("div").Find(".tw-bg-canvas-tertiary")); t != "" {
			trial = &t
		}

		plans = append(plans, harvest.PricingPlan{
			Name:     text(card.Find(`[data-test-id="name"]`)),
			Price:    price,
			Interval: strings.TrimSpace(strings.Replace(text(priceGroup.Find(".tw-text-fg-tertiary")), "/ ", "", 1)),
			Features: features,
			Trial:    trial,
		})
	})
	return harvest.Pricing{Plans: plans, Currency: e.currency}
}

func text(sel *goquery.Selection) string {
	return strings.TrimSpace(sel.Text())
}

func href(sel *goquery.Selection, selector string) string {
	v, _ := sel.Find(selector).First().Attr("href")
	return v
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
