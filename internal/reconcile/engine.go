package reconcile

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

const (
	// DuplicateWindow groups movements written close together as a likely
	// duplicate-on-edit.
	DuplicateWindow = 60 * time.Minute
	// RecentOrphanWindow separates sync-lag orphans from stale ones.
	RecentOrphanWindow = 24 * time.Hour
)

var deliveryProvenance = regexp.MustCompile(`(?i)\bdeliver|\bDEL-\w`)

// Engine detects divergence between deliveries and EXIT movements.
type Engine struct {
	duplicateWindow time.Duration
	recentWindow    time.Duration
}

// NewEngine returns an engine with the standard windows.
func NewEngine() *Engine {
	return &Engine{duplicateWindow: DuplicateWindow, recentWindow: RecentOrphanWindow}
}

type bucketKey struct {
	eppID       int64
	warehouseID int64
}

// movementIndex buckets movements by explicit delivery id, and legacy rows
// without one by (item, warehouse).
type movementIndex struct {
	movements []MovementRecord
	byID      map[int64][]int
	legacy    map[bucketKey][]int
}

func buildIndex(movements []MovementRecord) movementIndex {
	idx := movementIndex{
		movements: movements,
		byID:      make(map[int64][]int),
		legacy:    make(map[bucketKey][]int),
	}
	for i, m := range movements {
		if m.DeliveryID != nil {
			idx.byID[*m.DeliveryID] = append(idx.byID[*m.DeliveryID], i)
			continue
		}
		k := bucketKey{eppID: m.EppID, warehouseID: m.WarehouseID}
		idx.legacy[k] = append(idx.legacy[k], i)
	}
	return idx
}

// matches returns the movement positions correlated with d and which of them
// were found by note text.
func (idx movementIndex) matches(d DeliveryRecord) (explicit, heuristic []int) {
	explicit = idx.byID[d.ID]
	if d.BatchCode == "" {
		return explicit, nil
	}
	for _, i := range idx.legacy[bucketKey{eppID: d.EppID, warehouseID: d.WarehouseID}] {
		if strings.Contains(idx.movements[i].Note, d.BatchCode) {
			heuristic = append(heuristic, i)
		}
	}
	return explicit, heuristic
}

// Analyze compares every delivery with the EXIT movements in the ledger and
// returns the issues ordered newest first. The result depends only on ledger
// and now.
func (e *Engine) Analyze(ledger Ledger, now time.Time) Report {
	idx := buildIndex(ledger.Movements)
	knownDeliveries := make(map[int64]struct{}, len(ledger.Deliveries))
	matchedBy := make(map[int]int, len(ledger.Movements))

	type correlated struct {
		delivery  DeliveryRecord
		positions []int
	}
	pending := make([]correlated, 0, len(ledger.Deliveries))
	for _, d := range ledger.Deliveries {
		knownDeliveries[d.ID] = struct{}{}
		explicit, heuristic := idx.matches(d)
		for _, i := range heuristic {
			matchedBy[i]++
		}
		positions := append(append([]int(nil), explicit...), heuristic...)
		pending = append(pending, correlated{delivery: d, positions: positions})
	}

	var issues []Issue
	for _, c := range pending {
		if issue, ok := e.deliveryIssue(c.delivery, idx, c.positions, matchedBy); ok {
			issues = append(issues, issue)
		}
	}
	for i, m := range ledger.Movements {
		if issue, ok := e.orphanIssue(m, matchedBy[i], knownDeliveries, now); ok {
			issues = append(issues, issue)
		}
	}
	for _, l := range ledger.Levels {
		if l.Quantity < 0 {
			issues = append(issues, negativeStockIssue(l))
		}
	}

	sort.SliceStable(issues, func(i, j int) bool {
		if !issues[i].OccurredAt.Equal(issues[j].OccurredAt) {
			return issues[i].OccurredAt.After(issues[j].OccurredAt)
		}
		return issues[i].ID < issues[j].ID
	})

	report := Report{GeneratedAt: now, Issues: issues}
	if report.Issues == nil {
		report.Issues = []Issue{}
	}
	for _, issue := range issues {
		report.Total++
		switch issue.Severity {
		case SeverityCritical:
			report.Critical++
		case SeverityWarning:
			report.Warning++
		}
	}
	return report
}

func (e *Engine) deliveryIssue(d DeliveryRecord, idx movementIndex, positions []int, matchedBy map[int]int) (Issue, bool) {
	issue := Issue{
		DeliveryID:   d.ID,
		BatchID:      d.BatchID,
		BatchCode:    d.BatchCode,
		EppID:        d.EppID,
		EppName:      d.EppName,
		WarehouseID:  d.WarehouseID,
		DeliveredQty: d.Quantity,
		OccurredAt:   d.CreatedAt,
	}
	if len(positions) == 0 {
		issue.ID = fmt.Sprintf("%s:%d", IssueMissingMovement, d.ID)
		issue.Type = IssueMissingMovement
		issue.Severity = SeverityCritical
		issue.Difference = d.Quantity
		issue.Cause = fmt.Sprintf("no EXIT movement references batch %s for this item; the stock exit was never recorded", d.BatchCode)
		issue.Impact = fmt.Sprintf("%d units undischarged", d.Quantity)
		issue.SuggestedActions = []Action{ActionCreateMovement}
		return issue, true
	}

	matched := make([]MovementRecord, 0, len(positions))
	var moved int64
	for _, i := range positions {
		m := idx.movements[i]
		matched = append(matched, m)
		moved += m.Quantity
		if matchedBy[i] > 1 {
			issue.Ambiguous = true
		}
	}
	if moved == d.Quantity {
		return Issue{}, false
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.Before(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})
	for _, m := range matched {
		issue.MovementIDs = append(issue.MovementIDs, m.ID)
		if m.CreatedAt.After(issue.OccurredAt) {
			issue.OccurredAt = m.CreatedAt
		}
	}
	sort.Slice(issue.MovementIDs, func(i, j int) bool { return issue.MovementIDs[i] < issue.MovementIDs[j] })

	issue.ID = fmt.Sprintf("%s:%d", IssueQuantityMismatch, d.ID)
	issue.Type = IssueQuantityMismatch
	issue.Severity = SeverityCritical
	issue.MovedQty = moved
	issue.Difference = d.Quantity - moved
	issue.Cause = e.mismatchCause(d, matched)
	if issue.Difference > 0 {
		issue.Impact = fmt.Sprintf("%d units undischarged", issue.Difference)
	} else {
		issue.Impact = fmt.Sprintf("%d units discharged in excess", -issue.Difference)
	}
	issue.SuggestedActions = []Action{ActionDeleteMovement, ActionUpdateDelivery}
	return issue, true
}

// mismatchCause expects matched ordered by creation time.
func (e *Engine) mismatchCause(d DeliveryRecord, matched []MovementRecord) string {
	if len(matched) == 1 {
		return fmt.Sprintf("a single movement of %d units was recorded for a delivery of %d; the delivery or the movement was likely edited afterwards",
			matched[0].Quantity, d.Quantity)
	}
	for i := 1; i < len(matched); i++ {
		gap := matched[i].CreatedAt.Sub(matched[i-1].CreatedAt)
		if gap < e.duplicateWindow {
			return fmt.Sprintf("%d movements were recorded %s apart; the delivery was likely edited and its movement written again without removing the previous one",
				len(matched), formatAge(gap))
		}
	}
	return fmt.Sprintf("%d movements were recorded at different times; a later manual movement diverged from the delivery", len(matched))
}

func (e *Engine) orphanIssue(m MovementRecord, heuristicMatches int, known map[int64]struct{}, now time.Time) (Issue, bool) {
	if m.DeliveryID != nil {
		if _, ok := known[*m.DeliveryID]; ok {
			return Issue{}, false
		}
	} else if heuristicMatches > 0 || !deliveryProvenance.MatchString(m.Note) {
		return Issue{}, false
	}

	age := now.Sub(m.CreatedAt)
	issue := Issue{
		ID:               fmt.Sprintf("%s:%d", IssueOrphanMovement, m.ID),
		Type:             IssueOrphanMovement,
		Severity:         SeverityWarning,
		EppID:            m.EppID,
		EppName:          m.EppName,
		WarehouseID:      m.WarehouseID,
		MovementIDs:      []int64{m.ID},
		MovedQty:         m.Quantity,
		Difference:       -m.Quantity,
		Impact:           fmt.Sprintf("%d units discharged without a delivery", m.Quantity),
		OccurredAt:       m.CreatedAt,
		SuggestedActions: []Action{ActionDeleteMovement},
	}
	if m.DeliveryID != nil {
		issue.DeliveryID = *m.DeliveryID
	}
	// narrative depends on the age bucket only so repeated runs agree
	if age < e.recentWindow {
		issue.Cause = fmt.Sprintf("recorded within the last %s and no delivery matches it yet; the delivery may still be syncing", formatAge(e.recentWindow))
	} else {
		issue.Cause = fmt.Sprintf("no delivery has matched it for over %s; the delivery was likely deleted without reversing the stock exit", formatAge(e.recentWindow))
	}
	return issue, true
}

func negativeStockIssue(l StockLevel) Issue {
	return Issue{
		ID:          fmt.Sprintf("%s:%d:%d", IssueNegativeStock, l.EppID, l.WarehouseID),
		Type:        IssueNegativeStock,
		Severity:    SeverityCritical,
		EppID:       l.EppID,
		WarehouseID: l.WarehouseID,
		Difference:  l.Quantity,
		Cause:       "more units were discharged than the warehouse ever received",
		Impact:      fmt.Sprintf("stock level is %d units", l.Quantity),
		OccurredAt:  l.UpdatedAt,
	}
}

func formatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "less than a minute"
	case d < time.Hour:
		return fmt.Sprintf("%d minutes", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%d hours", int(d.Hours()))
	default:
		return fmt.Sprintf("%d days", int(d.Hours()/24))
	}
}
