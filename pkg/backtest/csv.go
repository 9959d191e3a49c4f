package backtest

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gregtusar/fleet/pkg/models"
)

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006.01.02 15:04",
}

// LoadCSV reads a candle series exported as
// time,open,high,low,close[,volume]. A header row is detected and skipped.
func LoadCSV(path, symbol string) ([]models.PriceSample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open candle file: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read candle file: %w", err)
	}

	var candles []models.PriceSample
	for i, row := range rows {
		if len(row) < 5 {
			return nil, fmt.Errorf("row %d has %d columns, want at least 5", i+1, len(row))
		}
		ts, err := parseTime(strings.TrimSpace(row[0]))
		if err != nil {
			if i == 0 {
				continue // header
			}
			return nil, fmt.Errorf("row %d: %w", i+1, err)
		}

		values := make([]float64, 4)
		for j := 0; j < 4; j++ {
			v, err := strconv.ParseFloat(strings.TrimSpace(row[j+1]), 64)
			if err != nil {
				return nil, fmt.Errorf("row %d column %d: %w", i+1, j+2, err)
			}
			values[j] = v
		}

		sample := models.PriceSample{
			Symbol:    symbol,
			Timestamp: ts,
			Open:      values[0],
			High:      values[1],
			Low:       values[2],
			Close:     values[3],
		}
		if len(row) > 5 {
			if v, err := strconv.ParseFloat(strings.TrimSpace(row[5]), 64); err == nil {
				sample.TickVolume = v
			}
		}
		candles = append(candles, sample)
	}

	if len(candles) == 0 {
		return nil, fmt.Errorf("no candles in %s", path)
	}
	return candles, nil
}

func parseTime(s string) (time.Time, error) {
	if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC(), nil
	}
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
