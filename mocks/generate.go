package mocks

//go:generate mockgen -destination=./mock_execution_adapter.go -package=mocks github.com/rxtech-lab/gapflow/internal/execution Adapter
//go:generate mockgen -destination=./mock_bar_writer.go -package=mocks github.com/rxtech-lab/gapflow/pkg/marketdata/writer BarWriter
