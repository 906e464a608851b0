package observability

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// textfileExporter bridges OTel instruments into a private Prometheus registry
// that is dumped to a file once the command is done.
type textfileExporter struct {
	path     string
	registry *prometheus.Registry
	reader   sdkmetric.Reader
	once     sync.Once
}

func newTextfileExporter(path string) (*textfileExporter, error) {
	registry := prometheus.NewRegistry()

	exporter, err := promexporter.New(promexporter.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}

	return &textfileExporter{path: path, registry: registry, reader: exporter}, nil
}

// write must run before the meter provider shuts down the reader. Only the
// first call writes.
func (e *textfileExporter) write() error {
	var err error

	e.once.Do(func() {
		if writeErr := prometheus.WriteToTextfile(e.path, e.registry); writeErr != nil {
			err = fmt.Errorf("write prometheus textfile: %w", writeErr)
		}
	})

	return err
}
