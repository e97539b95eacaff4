package weather

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// sampleTimeLayouts are the dt_txt formats seen from the forecast and history feeds.
var sampleTimeLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	time.RFC3339,
}

// rawSample mirrors one element of the provider "list" array.
// Required values are pointers so a missing field can be told apart from zero.
type rawSample struct {
	Dt    *int64 `json:"dt"`
	DtTxt string `json:"dt_txt"`
	Main  struct {
		Temp      *float64 `json:"temp"`
		Pressure  *float64 `json:"pressure"`
		SeaLevel  *float64 `json:"sea_level"`
		GrndLevel *float64 `json:"grnd_level"`
		Humidity  *float64 `json:"humidity"`
	} `json:"main"`
	Weather []struct {
		ID *int `json:"id"`
	} `json:"weather"`
	Clouds struct {
		All *float64 `json:"all"`
	} `json:"clouds"`
	Wind struct {
		Speed *float64 `json:"speed"`
		Deg   *float64 `json:"deg"`
		Gust  *float64 `json:"gust"`
	} `json:"wind"`
	Visibility *float64 `json:"visibility"`
	Pop        *float64 `json:"pop"`
	Rain       *struct {
		ThreeH *float64 `json:"3h"`
	} `json:"rain"`
	Snow *struct {
		ThreeH *float64 `json:"3h"`
	} `json:"snow"`
}

// NormalizeResult is the output of normalizing one provider response.
type NormalizeResult struct {
	Records   []ForecastRecord
	Malformed int
	Filtered  int
	Errors    []error
}

// Normalize converts a provider response into forecast records for one location.
// Historical responses are hourly; only samples on a 3-hour UTC boundary are kept.
// A malformed sample is skipped without affecting the rest of the response.
func Normalize(mode Mode, locationID int, resp *Response) NormalizeResult {
	var res NormalizeResult
	if resp == nil {
		return res
	}

	res.Records = make([]ForecastRecord, 0, len(resp.List))
	for i, raw := range resp.List {
		rec, err := normalizeSample(locationID, raw)
		if err != nil {
			res.Malformed++
			res.Errors = append(res.Errors, fmt.Errorf("sample %d: %w", i, err))
			continue
		}
		if mode == ModeHistorical && !onThreeHourBoundary(rec.Timestamp) {
			res.Filtered++
			continue
		}
		res.Records = append(res.Records, rec)
	}
	return res
}

func onThreeHourBoundary(t time.Time) bool {
	t = t.UTC()
	return t.Hour()%3 == 0 && t.Minute() == 0 && t.Second() == 0
}

func normalizeSample(locationID int, raw json.RawMessage) (ForecastRecord, error) {
	var s rawSample
	if err := json.Unmarshal(raw, &s); err != nil {
		return ForecastRecord{}, fmt.Errorf("%w: %v", ErrMalformedSample, err)
	}

	ts, err := s.timestamp()
	if err != nil {
		return ForecastRecord{}, err
	}

	var missing []string
	if s.Main.Temp == nil {
		missing = append(missing, "main.temp")
	}
	if s.Main.Pressure == nil {
		missing = append(missing, "main.pressure")
	}
	if s.Main.Humidity == nil {
		missing = append(missing, "main.humidity")
	}
	if len(s.Weather) == 0 || s.Weather[0].ID == nil {
		missing = append(missing, "weather[0].id")
	}
	if s.Clouds.All == nil {
		missing = append(missing, "clouds.all")
	}
	if s.Wind.Speed == nil {
		missing = append(missing, "wind.speed")
	}
	if len(missing) > 0 {
		return ForecastRecord{}, fmt.Errorf("%w: missing %s", ErrMalformedSample, strings.Join(missing, ", "))
	}

	rec := ForecastRecord{
		LocationID:          locationID,
		Temperature:         *s.Main.Temp,
		Pressure:            roundInt(*s.Main.Pressure),
		SeaLevelPressure:    optionalInt(s.Main.SeaLevel),
		GroundLevelPressure: optionalInt(s.Main.GrndLevel),
		Humidity:            roundInt(*s.Main.Humidity),
		WeatherConditionID:  *s.Weather[0].ID,
		Cloudiness:          roundInt(*s.Clouds.All),
		WindSpeed:           *s.Wind.Speed,
		WindDirection:       optionalInt(s.Wind.Deg),
		WindGust:            s.Wind.Gust,
		Visibility:          optionalInt(s.Visibility),
		PrecipitationChance: s.Pop,
		Timestamp:           ts,
	}
	if s.Rain != nil && s.Rain.ThreeH != nil {
		rec.RainVolume3h = *s.Rain.ThreeH
	}
	if s.Snow != nil && s.Snow.ThreeH != nil {
		rec.SnowVolume3h = *s.Snow.ThreeH
	}
	return rec, nil
}

// timestamp prefers dt_txt and falls back to the epoch dt field.
func (s rawSample) timestamp() (time.Time, error) {
	if s.DtTxt != "" {
		for _, layout := range sampleTimeLayouts {
			if t, err := time.ParseInLocation(layout, s.DtTxt, time.UTC); err == nil {
				return t.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("%w: unparseable dt_txt %q", ErrMalformedSample, s.DtTxt)
	}
	if s.Dt == nil {
		return time.Time{}, fmt.Errorf("%w: missing dt", ErrMalformedSample)
	}
	return time.Unix(*s.Dt, 0).UTC(), nil
}

func roundInt(v float64) int {
	return int(math.Round(v))
}

func optionalInt(v *float64) *int {
	if v == nil {
		return nil
	}
	n := roundInt(*v)
	return &n
}

// DedupeRecords drops earlier records that share a natural key with a later one.
// A bulk upsert statement cannot touch the same row twice.
func DedupeRecords(records []ForecastRecord) []ForecastRecord {
	if len(records) < 2 {
		return records
	}
	last := make(map[NaturalKey]int, len(records))
	for i, r := range records {
		last[r.Key()] = i
	}
	if len(last) == len(records) {
		return records
	}
	out := make([]ForecastRecord, 0, len(last))
	for i, r := range records {
		if last[r.Key()] == i {
			out = append(out, r)
		}
	}
	return out
}
