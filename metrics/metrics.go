// Package metrics defines the OpenCensus measures recorded by mjail.
//
// Every invocation is a short-lived process, so instead of running an
// exporter the views are read back with Report at the end of a command and
// written to the logger.
package metrics

import (
	"context"
	"sort"
	"strings"

	"code.cloudfoundry.org/lager/v3"
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

const (
	OutcomeApplied          = "applied"
	OutcomeNoPendingChanges = "no-pending-changes"
	OutcomeFailed           = "failed"
)

var (
	PatchInstalls = stats.Int64(
		"mjail/patch_installs",
		"freebsd-update install runs by outcome; no-pending-changes also covers failures reported with exit status 1",
		stats.UnitDimensionless,
	)

	LedgerWrites = stats.Int64(
		"mjail/ledger_writes",
		"complete rewrites of the jail.conf ledger",
		stats.UnitDimensionless,
	)

	KeyOutcome = tag.MustNewKey("outcome")

	PatchInstallsView = &view.View{
		Name:        "mjail/patch_installs",
		Measure:     PatchInstalls,
		Description: PatchInstalls.Description(),
		TagKeys:     []tag.Key{KeyOutcome},
		Aggregation: view.Count(),
	}

	LedgerWritesView = &view.View{
		Name:        "mjail/ledger_writes",
		Measure:     LedgerWrites,
		Description: LedgerWrites.Description(),
		Aggregation: view.Count(),
	}

	Views = []*view.View{PatchInstallsView, LedgerWritesView}
)

func Register() error {
	return view.Register(Views...)
}

func Unregister() {
	view.Unregister(Views...)
}

func RecordPatchInstall(outcome string) {
	_ = stats.RecordWithTags(
		context.Background(),
		[]tag.Mutator{tag.Upsert(KeyOutcome, outcome)},
		PatchInstalls.M(1),
	)
}

func RecordLedgerWrite() {
	stats.Record(context.Background(), LedgerWrites.M(1))
}

// Counts returns the current count of every row of a registered view,
// keyed by its tag values joined with ",". Untagged rows use "".
func Counts(v *view.View) (map[string]int64, error) {
	rows, err := view.RetrieveData(v.Name)
	if err != nil {
		return nil, err
	}

	counts := map[string]int64{}

	for _, row := range rows {
		count, ok := row.Data.(*view.CountData)
		if !ok {
			continue
		}

		values := make([]string, 0, len(row.Tags))
		for _, t := range row.Tags {
			values = append(values, t.Value)
		}

		sort.Strings(values)

		counts[strings.Join(values, ",")] = count.Value
	}

	return counts, nil
}

// Report logs the non-empty rows of every view.
func Report(logger lager.Logger) {
	logger = logger.Session("metrics")

	for _, v := range Views {
		counts, err := Counts(v)
		if err != nil {
			logger.Error("failed-to-retrieve", err, lager.Data{"view": v.Name})
			continue
		}

		for tags, count := range counts {
			logger.Info("count", lager.Data{
				"view":  v.Name,
				"tags":  tags,
				"count": count,
			})
		}
	}
}
