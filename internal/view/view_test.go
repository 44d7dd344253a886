package view_test

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/risk-bridge/internal/model"
	"github.com/atmx/risk-bridge/internal/view"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// Every external type is checked recursively for fields that could carry
// a protected level.
func TestViewTypesHaveNoProtectedFields(t *testing.T) {
	types := []any{
		view.CloseDirective{}, view.EntryDirective{}, view.Poll{}, view.Ack{},
		view.Position{}, view.Registration{}, view.Reconciliation{}, view.Guards{},
		view.CloseResult{}, view.Status{},
	}
	seen := map[reflect.Type]bool{}
	var walk func(reflect.Type, string)
	walk = func(rt reflect.Type, path string) {
		for rt.Kind() == reflect.Pointer || rt.Kind() == reflect.Slice || rt.Kind() == reflect.Map {
			rt = rt.Elem()
		}
		if rt.Kind() != reflect.Struct || seen[rt] || rt.PkgPath() != "github.com/atmx/risk-bridge/internal/view" {
			return
		}
		seen[rt] = true
		for i := 0; i < rt.NumField(); i++ {
			f := rt.Field(i)
			name := strings.ToLower(f.Name + " " + f.Tag.Get("json"))
			for _, banned := range []string{"stop", "takeprofit", "take_profit", "hidden", "sl", "tp"} {
				for _, word := range strings.FieldsFunc(name, func(r rune) bool { return r == ' ' || r == ',' }) {
					assert.NotEqual(t, banned, word, "%s.%s", path, f.Name)
				}
				if len(banned) > 2 {
					assert.NotContains(t, name, banned, "%s.%s", path, f.Name)
				}
			}
			walk(f.Type, path+"."+f.Name)
		}
	}
	for _, v := range types {
		rt := reflect.TypeOf(v)
		walk(rt, rt.Name())
	}
}

func TestNewPosition_DropsHiddenLevels(t *testing.T) {
	sl, tp := d("93.123"), d("117.456")
	p := model.OpenPosition{
		ID: "p1", BrokerTicket: "T1", Instrument: "EURUSD", Direction: model.Long,
		Volume: d("2"), EntryPrice: d("100"), HiddenStopLoss: &sl, HiddenTakeProfit: &tp,
		Status: model.StatusOpen, OpenedAt: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	q := model.Quote{Symbol: "EURUSD", Bid: d("101"), Ask: d("101.2")}

	v := view.NewPosition(p, &q)
	require.NotNil(t, v.UnrealizedPnL)
	assert.Equal(t, "2", v.UnrealizedPnL.String())

	b, err := json.Marshal(v)
	require.NoError(t, err)
	assert.NotContains(t, string(b), "93.123")
	assert.NotContains(t, string(b), "117.456")
}

func TestNewReconciliation_Counts(t *testing.T) {
	r := view.NewReconciliation("a1", []model.ReconciliationEvent{
		{ID: "1", Classification: model.ClassMatched},
		{ID: "2", Classification: model.ClassSlippage},
		{ID: "3", Classification: model.ClassPartialFill},
		{ID: "4", Classification: model.ClassCloseConfirmed},
		{ID: "5", Classification: model.ClassMatched},
	})
	assert.Len(t, r.Events, 5)
	assert.Equal(t, 2, r.Counts[model.ClassMatched])
	assert.Equal(t, 2, r.Divergences)
}

func TestNewGuards_OnlyFlagsActiveSymbols(t *testing.T) {
	st := model.NewAccountState("a1")
	st.MarketSeverity["EURUSD"] = model.SeverityWarning
	st.MarketSeverity["GBPUSD"] = model.SeverityNone
	g := view.NewGuards(st, d("3.5"), []model.DrawdownAlert{{ID: "x", Severity: model.SeverityWarning}}, nil)
	assert.Equal(t, map[string]model.Severity{"EURUSD": model.SeverityWarning}, g.MarketFlags)
	require.Len(t, g.Alerts, 1)
	assert.Equal(t, "drawdown", g.Alerts[0].Kind)
}
