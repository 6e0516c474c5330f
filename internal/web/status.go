package web

import (
	"fmt"
	"time"

	"github.com/JonMunkholm/sheetbot/internal/fetch"
)

//go:generate templ generate

// pageStatus is what the status page shows.
type pageStatus struct {
	Version string
	Uptime  time.Duration
	Fetches *fetch.LimiterStatus
	Backend string
}

type statusRow struct {
	label string
	value string
}

// rows lists the populated fields in display order.
func (st pageStatus) rows() []statusRow {
	all := []statusRow{
		{"Version", st.Version},
		{"Uptime", st.Uptime.Truncate(time.Second).String()},
		{"State backend", st.Backend},
	}
	if st.Fetches != nil {
		all = append(all, statusRow{
			"Downloads",
			fmt.Sprintf("%d active, %d of %d slots free", st.Fetches.Active, st.Fetches.Available, st.Fetches.MaxConcurrent),
		})
	}
	rows := all[:0]
	for _, row := range all {
		if row.value != "" {
			rows = append(rows, row)
		}
	}
	return rows
}
