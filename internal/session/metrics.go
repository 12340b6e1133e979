package session

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/noorlabs/qiblad/internal/session"

func meter() metric.Meter {
	return otel.Meter(instrumentationName)
}

type metrics struct {
	transitions metric.Int64Counter
	samples     metric.Int64Counter
	fixes       metric.Int64Counter
}

func newMetrics(m metric.Meter) (*metrics, error) {
	var (
		out metrics
		err error
	)

	out.transitions, err = m.Int64Counter(
		"qibla.session.transitions",
		metric.WithDescription("Calibration state transitions"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating transitions counter: %w", err)
	}

	out.samples, err = m.Int64Counter(
		"qibla.heading.samples",
		metric.WithDescription("Orientation events by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating samples counter: %w", err)
	}

	out.fixes, err = m.Int64Counter(
		"qibla.location.fixes",
		metric.WithDescription("Location fixes by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating fixes counter: %w", err)
	}

	return &out, nil
}

func (m *metrics) transition(to State) {
	m.transitions.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("state", to.String())))
}

func (m *metrics) sample(source string, accepted bool) {
	m.samples.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("source", source),
			attribute.Bool("accepted", accepted),
		))
}

func (m *metrics) fix(accepted bool) {
	m.fixes.Add(context.Background(), 1,
		metric.WithAttributes(attribute.Bool("accepted", accepted)))
}
