// Package fleet loads the declarative bot list and reconciles it into the store.
package fleet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"overwatch/internal/auth"
	"overwatch/pkg/db"
	"overwatch/pkg/logger"
	"overwatch/pkg/oracle"
)

const schemaJSON = `{
  "type": "object",
  "required": ["bots"],
  "properties": {
    "bots": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["owner", "name", "exchange", "market"],
        "properties": {
          "owner":    {"type": "string", "minLength": 1},
          "name":     {"type": "string", "minLength": 1},
          "exchange": {"type": "string", "minLength": 1},
          "market":   {"type": "string", "pattern": "^[A-Za-z0-9]+/[A-Za-z0-9]+$"},
          "active":   {"type": "boolean"},
          "use_market_price": {"type": "boolean"},
          "peg_currency": {"type": "string"},
          "peg_side": {"enum": ["", "base", "quote"]},
          "tolerance":  {"type": "number", "minimum": 0, "maximum": 100},
          "fee":        {"type": "number", "minimum": 0, "maximum": 100},
          "bid_spread": {"type": "number", "minimum": 0, "maximum": 100},
          "ask_spread": {"type": "number", "minimum": 0, "maximum": 100},
          "order_amount": {"type": "number", "minimum": 0},
          "total_bid": {"type": "number", "minimum": 0},
          "total_ask": {"type": "number", "minimum": 0},
          "base_price_url":  {"type": "string"},
          "quote_price_url": {"type": "string"},
          "peg_price_url":   {"type": "string"},
          "base_decimal_places":  {"type": "integer", "minimum": 0, "maximum": 18},
          "quote_decimal_places": {"type": "integer", "minimum": 0, "maximum": 18},
          "peg_decimal_places":   {"type": "integer", "minimum": 0, "maximum": 18},
          "api_secret": {"type": "string", "format": "uuid"}
        }
      }
    }
  }
}`

// Entry declares one bot.
type Entry struct {
	Owner              string  `yaml:"owner"`
	Name               string  `yaml:"name"`
	Exchange           string  `yaml:"exchange"`
	Market             string  `yaml:"market"`
	Active             *bool   `yaml:"active"`
	UseMarketPrice     bool    `yaml:"use_market_price"`
	PegCurrency        string  `yaml:"peg_currency"`
	PegSide            string  `yaml:"peg_side"`
	Tolerance          float64 `yaml:"tolerance"`
	Fee                float64 `yaml:"fee"`
	BidSpread          float64 `yaml:"bid_spread"`
	AskSpread          float64 `yaml:"ask_spread"`
	OrderAmount        float64 `yaml:"order_amount"`
	TotalBid           float64 `yaml:"total_bid"`
	TotalAsk           float64 `yaml:"total_ask"`
	BasePriceURL       string  `yaml:"base_price_url"`
	QuotePriceURL      string  `yaml:"quote_price_url"`
	PegPriceURL        string  `yaml:"peg_price_url"`
	BaseDecimalPlaces  *int    `yaml:"base_decimal_places"`
	QuoteDecimalPlaces *int    `yaml:"quote_decimal_places"`
	PegDecimalPlaces   *int    `yaml:"peg_decimal_places"`
	APISecret          string  `yaml:"api_secret"`
}

// File is the parsed fleet document.
type File struct {
	Bots []Entry `yaml:"bots"`
}

var fleetSchema = mustCompile(schemaJSON)

func mustCompile(src string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true
	if err := compiler.AddResource("fleet.json", strings.NewReader(src)); err != nil {
		panic(err)
	}
	return compiler.MustCompile("fleet.json")
}

// Load reads and validates a fleet file.
func Load(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fleet file: %w", err)
	}
	return Parse(raw)
}

// Parse validates raw YAML against the fleet schema and decodes it strictly.
func Parse(raw []byte) (*File, error) {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse fleet file: %w", err)
	}
	// round-trip through JSON so the validator sees JSON types
	buf, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("parse fleet file: %w", err)
	}
	var generic any
	if err := json.Unmarshal(buf, &generic); err != nil {
		return nil, fmt.Errorf("parse fleet file: %w", err)
	}
	if err := fleetSchema.Validate(generic); err != nil {
		return nil, fmt.Errorf("invalid fleet file: %w", err)
	}

	var f File
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse fleet file: %w", err)
	}

	seen := make(map[string]bool, len(f.Bots))
	for _, e := range f.Bots {
		key := strings.ToLower(e.Name) + "@" + strings.ToLower(e.Exchange)
		if seen[key] {
			return nil, fmt.Errorf("invalid fleet file: duplicate bot %s", key)
		}
		seen[key] = true
	}
	return &f, nil
}

// Report lists what a Sync changed. Secrets holds generated secrets of
// newly created bots keyed by name@exchange; they are shown only once.
type Report struct {
	Created []string
	Updated []string
	Secrets map[string]string
}

// Sync creates missing bots and rewrites the settings of existing ones.
// Secrets and nonces of existing bots are never touched.
func Sync(ctx context.Context, database *db.Database, f *File, log logrus.FieldLogger) (*Report, error) {
	entry := logger.Component(log, "fleet")
	report := &Report{Secrets: map[string]string{}}
	for _, e := range f.Bots {
		key := e.Name + "@" + e.Exchange
		existing, err := database.GetBotByName(ctx, e.Name, e.Exchange)
		switch {
		case errors.Is(err, db.ErrNotFound):
			bot := e.toBot()
			if bot.APISecret == "" {
				bot.APISecret = auth.NewSecret()
				report.Secrets[key] = bot.APISecret
			}
			if _, err := database.CreateBot(ctx, bot); err != nil {
				return report, fmt.Errorf("create %s: %w", key, err)
			}
			report.Created = append(report.Created, key)
		case err != nil:
			return report, err
		default:
			bot := e.toBot()
			bot.ID = existing.ID
			if err := database.UpdateBotSettings(ctx, bot); err != nil {
				return report, fmt.Errorf("update %s: %w", key, err)
			}
			report.Updated = append(report.Updated, key)
		}
	}
	entry.WithFields(logrus.Fields{"created": len(report.Created), "updated": len(report.Updated)}).Info("fleet synced")
	return report, nil
}

func (e Entry) toBot() *db.Bot {
	b := &db.Bot{
		OwnerID:            e.Owner,
		Name:               e.Name,
		Exchange:           e.Exchange,
		Market:             strings.ToUpper(e.Market),
		Active:             e.Active == nil || *e.Active,
		UseMarketPrice:     e.UseMarketPrice,
		PegCurrency:        e.PegCurrency,
		PegSide:            e.PegSide,
		Tolerance:          e.Tolerance,
		Fee:                e.Fee,
		BidSpread:          e.BidSpread,
		AskSpread:          e.AskSpread,
		OrderAmount:        e.OrderAmount,
		TotalBid:           e.TotalBid,
		TotalAsk:           e.TotalAsk,
		BasePriceURL:       orDefault(e.BasePriceURL, oracle.DefaultSourceURL),
		QuotePriceURL:      orDefault(e.QuotePriceURL, oracle.DefaultSourceURL),
		PegPriceURL:        orDefault(e.PegPriceURL, oracle.DefaultSourceURL),
		BaseDecimalPlaces:  places(e.BaseDecimalPlaces),
		QuoteDecimalPlaces: places(e.QuoteDecimalPlaces),
		PegDecimalPlaces:   places(e.PegDecimalPlaces),
		APISecret:          e.APISecret,
	}
	return b
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func places(p *int) int {
	if p == nil {
		return 8
	}
	return *p
}
