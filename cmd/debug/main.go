package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/maltedev/fixprice-etl/internal/browser"
	"github.com/maltedev/fixprice-etl/internal/config"
	"github.com/maltedev/fixprice-etl/internal/parser"
)

// debug loads a single source page with the same browser settings as the ETL
// run, saves the rendered HTML and prints what the parser extracts from it.
func main() {
	var (
		url      = flag.String("url", "", "URL to debug")
		kind     = flag.String("kind", "product", "page kind: catalog, listing or product")
		htmlOut  = flag.String("html", "debug.html", "HTML output filename")
		headless = flag.Bool("headless", false, "run the browser headless")
	)
	flag.Parse()

	if *url == "" {
		fmt.Println("Please provide a URL with -url")
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ready, ok := map[string]string{
		"catalog": parser.ReadyCatalog,
		"listing": parser.ReadyListing,
		"product": parser.ReadyProduct,
	}[*kind]
	if !ok {
		logger.Error("unknown page kind", "kind", *kind)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := browser.New(&browser.Options{
		BrowserType:       cfg.Browser.Type,
		Headless:          *headless,
		Timeout:           cfg.Browser.NavigationTimeout,
		NavigationTimeout: cfg.Browser.NavigationTimeout,
		UserAgents:        cfg.Scraper.UserAgents,
		ViewportWidth:     cfg.Browser.ViewportWidth,
		ViewportHeight:    cfg.Browser.ViewportHeight,
		AcceptLanguage:    cfg.Browser.AcceptLanguage,
		TimezoneID:        cfg.Browser.TimezoneID,
		Locale:            cfg.Browser.Locale,
		Logger:            logger,
	})
	if err != nil {
		logger.Error("failed to initialize browser", "error", err)
		os.Exit(1)
	}
	defer b.Close()

	logger.Info("loading page", "url", *url, "kind", *kind, "user_agent", b.UserAgent())
	html, err := b.Load(ctx, *url, ready)
	if err != nil {
		logger.Error("failed to load page", "error", err)
		os.Exit(1)
	}

	if err := os.WriteFile(*htmlOut, []byte(html), 0o644); err != nil {
		logger.Error("failed to save HTML", "error", err)
	} else {
		logger.Info("HTML saved", "file", *htmlOut, "bytes", len(html))
	}

	out, err := inspect(parser.NewCatalogParser(), *kind, html, *url, cfg.Source.BaseURL)
	if err != nil {
		logger.Error("failed to parse page", "error", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		logger.Error("failed to encode result", "error", err)
		os.Exit(1)
	}
}

func inspect(p parser.Parser, kind, html, pageURL, baseURL string) (any, error) {
	switch kind {
	case "catalog":
		return p.Categories(html, baseURL)
	case "listing":
		links, err := p.ProductLinks(html, baseURL)
		if err != nil {
			return nil, err
		}
		next, err := p.HasNextPage(html)
		if err != nil {
			return nil, err
		}
		return map[string]any{"links": links, "count": len(links), "has_next": next}, nil
	default:
		product, err := p.Product(html, pageURL)
		if err != nil {
			return nil, err
		}
		if product == nil {
			return map[string]any{"found": false}, nil
		}
		return map[string]any{
			"found":    true,
			"product":  product,
			"problems": product.Validate(),
			"payload":  product.APIPayload(""),
		}, nil
	}
}
