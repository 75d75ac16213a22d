package reply

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// PriceBook answers deterministic (productType, size) price lookups.
type PriceBook struct {
	prices map[string]int
}

type priceBookFile struct {
	Items []priceItem `toml:"items"`
}

type priceItem struct {
	ProductType string `toml:"product_type"`
	Size        string `toml:"size"`
	Price       int    `toml:"price"`
}

// LoadPriceBook reads a TOML price table. An empty path yields an empty book,
// which matches nothing.
func LoadPriceBook(path string) (*PriceBook, error) {
	book := &PriceBook{prices: map[string]int{}}
	if strings.TrimSpace(path) == "" {
		return book, nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return book, nil
		}
		return nil, err
	}
	var file priceBookFile
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, fmt.Errorf("decode price table: %w", err)
	}
	for _, item := range file.Items {
		book.prices[priceKey(item.ProductType, item.Size)] = item.Price
	}
	return book, nil
}

// NewPriceBook builds a book from in-memory entries. Used by tests.
func NewPriceBook(items map[[2]string]int) *PriceBook {
	book := &PriceBook{prices: map[string]int{}}
	for pair, price := range items {
		book.prices[priceKey(pair[0], pair[1])] = price
	}
	return book
}

// Lookup returns the price for a (productType, size) pair.
func (b *PriceBook) Lookup(productType, size string) (int, bool) {
	price, ok := b.prices[priceKey(productType, size)]
	return price, ok
}

// MatchTwoTokens reports whether a body is exactly two whitespace-separated
// tokens, the shape of a product/size query.
func MatchTwoTokens(body string) (productType, size string, ok bool) {
	fields := strings.Fields(body)
	if len(fields) != 2 {
		return "", "", false
	}
	return fields[0], fields[1], true
}

func priceKey(productType, size string) string {
	return strings.ToLower(strings.TrimSpace(productType)) + "\x00" + strings.ToLower(strings.TrimSpace(size))
}
