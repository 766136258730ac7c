package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rpa-job-distribution/internal/models"
)

func TestFirstMatchWins(t *testing.T) {
	e := New(
		models.DistributionRule{Name: "invoices", WorkflowPattern: "Invoice*", Strategy: models.StrategyLeastLoaded},
		models.DistributionRule{Name: "web", WorkflowPattern: "*web*", Strategy: models.StrategyCapabilityMatch},
		models.DistributionRule{Name: "catch-all", WorkflowPattern: "*", Strategy: models.StrategyRoundRobin},
	)

	rule := e.Match(models.Job{WorkflowName: "InvoiceProcessing"})
	require.NotNil(t, rule)
	assert.Equal(t, "invoices", rule.Name)

	// Case-insensitive glob: *web* matches WebScraping.
	rule = e.Match(models.Job{WorkflowName: "WebScraping"})
	require.NotNil(t, rule)
	assert.Equal(t, "web", rule.Name)

	rule = e.Match(models.Job{WorkflowName: "ReportExport"})
	require.NotNil(t, rule)
	assert.Equal(t, "catch-all", rule.Name)
}

func TestEnvironmentPinsRule(t *testing.T) {
	e := New(
		models.DistributionRule{Name: "prod-invoices", WorkflowPattern: "Invoice*", Environment: "production"},
		models.DistributionRule{Name: "any-invoices", WorkflowPattern: "Invoice*"},
	)

	rule := e.Match(models.Job{WorkflowName: "InvoiceProcessing", Environment: "production"})
	require.NotNil(t, rule)
	assert.Equal(t, "prod-invoices", rule.Name)

	rule = e.Match(models.Job{WorkflowName: "InvoiceProcessing", Environment: "staging"})
	require.NotNil(t, rule)
	assert.Equal(t, "any-invoices", rule.Name)
}

func TestNoMatch(t *testing.T) {
	e := New(models.DistributionRule{Name: "invoices", WorkflowPattern: "Invoice*"})
	assert.Nil(t, e.Match(models.Job{WorkflowName: "ReportExport"}))
}

func TestMatchReturnsCopy(t *testing.T) {
	e := New(models.DistributionRule{Name: "invoices", WorkflowPattern: "Invoice*"})
	rule := e.Match(models.Job{WorkflowName: "InvoiceProcessing"})
	require.NotNil(t, rule)
	rule.Name = "mutated"

	again := e.Match(models.Job{WorkflowName: "InvoiceProcessing"})
	assert.Equal(t, "invoices", again.Name)
}

func TestAddRemovePreserveOrder(t *testing.T) {
	e := New(models.DistributionRule{Name: "a", WorkflowPattern: "*"})
	e.AddRule(models.DistributionRule{Name: "b", WorkflowPattern: "*"})

	rules := e.Rules()
	require.Len(t, rules, 2)
	assert.Equal(t, "a", rules[0].Name)

	assert.True(t, e.RemoveRule("a"))
	assert.False(t, e.RemoveRule("a"))

	rule := e.Match(models.Job{WorkflowName: "anything"})
	require.NotNil(t, rule)
	assert.Equal(t, "b", rule.Name)
}
