// Package catalog содержит справочник стилей, палитр и размеров изображений.
package catalog

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/mmeshcher/imagegen-system/internal/model"
)

// ErrUnknownOption возвращается для значения, отсутствующего в справочнике.
var ErrUnknownOption = errors.New("unknown catalog option")

// OptionError описывает одно недопустимое значение параметра.
type OptionError struct {
	Field string
	Value string
	Valid []string
}

func (e *OptionError) Error() string {
	return fmt.Sprintf("invalid %s %q, valid options: [%s]", e.Field, e.Value, strings.Join(e.Valid, ", "))
}

func (e *OptionError) Unwrap() error {
	return ErrUnknownOption
}

// Options содержит наборы допустимых значений.
type Options struct {
	Models []model.AIModel  `json:"models"`
	Styles []string         `json:"styles"`
	Colors []string         `json:"colors"`
	Sizes  map[string]int64 `json:"sizes"`
}

// Catalog описывает read-only справочник параметров генерации.
type Catalog interface {
	Validate(style, color, size string) error
	CreditCost(size string) (int64, bool)
	Options() Options
}

// Static реализует справочник с фиксированным набором значений.
type Static struct {
	styles map[string]struct{}
	colors map[string]struct{}
	sizes  map[string]int64
}

// New создаёт справочник из переданных наборов.
func New(styles, colors []string, sizes map[string]int64) *Static {
	c := &Static{
		styles: make(map[string]struct{}, len(styles)),
		colors: make(map[string]struct{}, len(colors)),
		sizes:  make(map[string]int64, len(sizes)),
	}
	for _, s := range styles {
		c.styles[s] = struct{}{}
	}
	for _, s := range colors {
		c.colors[s] = struct{}{}
	}
	for k, v := range sizes {
		c.sizes[k] = v
	}
	return c
}

// Default возвращает стандартный справочник сервиса.
func Default() *Static {
	return New(
		[]string{"realistic", "anime", "oil painting", "sketch", "cyberpunk", "watercolor"},
		[]string{"vibrant", "monochrome", "pastel", "neon", "vintage"},
		map[string]int64{
			"512x512":   1,
			"1024x1024": 3,
			"1024x1792": 4,
		},
	)
}

// Validate проверяет стиль, палитру и размер; возвращает все найденные нарушения.
func (c *Static) Validate(style, color, size string) error {
	var errs []error
	if _, ok := c.styles[style]; !ok {
		errs = append(errs, &OptionError{Field: "style", Value: style, Valid: sortedKeys(c.styles)})
	}
	if _, ok := c.colors[color]; !ok {
		errs = append(errs, &OptionError{Field: "color", Value: color, Valid: sortedKeys(c.colors)})
	}
	if _, ok := c.sizes[size]; !ok {
		errs = append(errs, &OptionError{Field: "size", Value: size, Valid: c.sizeNames()})
	}
	return errors.Join(errs...)
}

// CreditCost возвращает стоимость генерации для размера.
func (c *Static) CreditCost(size string) (int64, bool) {
	cost, ok := c.sizes[size]
	return cost, ok
}

// Options возвращает копию допустимых значений.
func (c *Static) Options() Options {
	sizes := make(map[string]int64, len(c.sizes))
	for k, v := range c.sizes {
		sizes[k] = v
	}
	return Options{
		Models: model.AllModels(),
		Styles: sortedKeys(c.styles),
		Colors: sortedKeys(c.colors),
		Sizes:  sizes,
	}
}

func (c *Static) sizeNames() []string {
	names := make([]string, 0, len(c.sizes))
	for k := range c.sizes {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
