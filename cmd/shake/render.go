package main

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/i5heu/shake-gate/pkg/model"
)

var blockTags = "p, h1, h2, h3, h4, h5, h6, li, blockquote, pre, figcaption"

func looksLikeHTML(body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	return bytes.HasPrefix(trimmed, []byte("<")) && bytes.Contains(trimmed, []byte("</"))
}

// renderText turns an article body into terminal text.
// HTML bodies are reduced to their block-level text, one
// block per paragraph; anything else is printed as is.
func renderText(body []byte) (string, error) {
	if !looksLikeHTML(body) {
		return string(body), nil
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("parse article html: %w", err)
	}
	doc.Find("script, style, noscript").Remove()

	var blocks []string
	doc.Find(blockTags).Each(func(_ int, s *goquery.Selection) {
		// Nested blocks are emitted by their innermost tag.
		if s.Find(blockTags).Length() > 0 {
			return
		}
		text := strings.Join(strings.Fields(s.Text()), " ")
		if text == "" {
			return
		}
		if goquery.NodeName(s) == "li" {
			text = "- " + text
		}
		blocks = append(blocks, text)
	})
	if len(blocks) == 0 {
		return strings.Join(strings.Fields(doc.Text()), " "), nil
	}
	return strings.Join(blocks, "\n\n"), nil
}

// excerpt returns the first n runes of the rendered body.
func excerpt(text string, n int) string {
	flat := strings.Join(strings.Fields(text), " ")
	runes := []rune(flat)
	if len(runes) <= n {
		return flat
	}
	return string(runes[:n]) + "..."
}

var errBadPrice = errors.New("price must be a decimal coin amount")

// parseCoins converts a decimal coin amount such as
// "0.25" into price units.
func parseCoins(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	const fracDigits = 9
	if len(frac) > fracDigits {
		return 0, fmt.Errorf("%w: at most %d decimals", errBadPrice, fracDigits)
	}
	w, err := strconv.ParseUint(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", errBadPrice, s)
	}
	var f uint64
	if frac != "" {
		f, err = strconv.ParseUint(frac+strings.Repeat("0", fracDigits-len(frac)), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", errBadPrice, s)
		}
	}
	if w > (^uint64(0)-f)/model.UnitsPerCoin {
		return 0, fmt.Errorf("%w: %q overflows", errBadPrice, s)
	}
	return w*model.UnitsPerCoin + f, nil
}

// formatCoins renders price units as a decimal coin
// amount.
func formatCoins(units uint64) string {
	whole := units / model.UnitsPerCoin
	frac := units % model.UnitsPerCoin
	if frac == 0 {
		return strconv.FormatUint(whole, 10)
	}
	return strings.TrimRight(fmt.Sprintf("%d.%09d", whole, frac), "0")
}
