package models

// FeatureNames lists the model columns in the order Values returns them.
var FeatureNames = []string{
	"hour",
	"day_of_week",
	"is_weekend",
	"user_code",
	"first_octet",
	"failure_rate",
	"request_frequency",
	"is_failed",
	"hour_sin",
	"hour_cos",
}

// NumFeatures is the width of every FeatureVector.
const NumFeatures = 10

type FeatureVector struct {
	Hour             float64 `json:"hour"`
	DayOfWeek        float64 `json:"day_of_week"`
	IsWeekend        float64 `json:"is_weekend"`
	UserCode         float64 `json:"user_code"`
	FirstOctet       float64 `json:"first_octet"`
	FailureRate      float64 `json:"failure_rate"`
	RequestFrequency float64 `json:"request_frequency"`
	IsFailed         float64 `json:"is_failed"`
	HourSin          float64 `json:"hour_sin"`
	HourCos          float64 `json:"hour_cos"`
}

func (v FeatureVector) Values() []float64 {
	return []float64{
		v.Hour,
		v.DayOfWeek,
		v.IsWeekend,
		v.UserCode,
		v.FirstOctet,
		v.FailureRate,
		v.RequestFrequency,
		v.IsFailed,
		v.HourSin,
		v.HourCos,
	}
}

// Matrix flattens a batch of vectors into rows for the scorer.
func Matrix(vectors []FeatureVector) [][]float64 {
	rows := make([][]float64, len(vectors))
	for i, v := range vectors {
		rows[i] = v.Values()
	}
	return rows
}

// BehaviorFlags are the per-row rule inputs computed next to the feature columns.
type BehaviorFlags struct {
	UnusualAddress bool `json:"unusual_ip"`
	HighFrequency  bool `json:"high_frequency"`
}
