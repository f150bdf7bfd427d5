// Package authz is the authorization capability the credit engine calls through. Policy
// enforcement lives outside this module; implementations are injected.
package authz

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var ErrForbidden = errors.New("authz: forbidden")

type Object string

type Action string

const (
	ObjectCreditFacility Object = "credit-facility"
	ObjectDisbursal      Object = "disbursal"
	ObjectPayment        Object = "payment"
)

const (
	ActionCreate                  Action = "create"
	ActionRead                    Action = "read"
	ActionConcludeApproval        Action = "conclude-approval"
	ActionActivate                Action = "activate"
	ActionInitiateDisbursal       Action = "initiate-disbursal"
	ActionUpdateCollateral        Action = "update-collateral"
	ActionUpdateCollateralization Action = "update-collateralization"
	ActionRecordPayment           Action = "record-payment"
	ActionComplete                Action = "complete"
	ActionRecordInterest          Action = "record-interest"
	ActionUpdateObligationStatus  Action = "update-obligation-status"
)

// Subject identifies who issued a command: a user id or "system:<component>".
type Subject string

func System(component string) Subject { return Subject("system:" + component) }

// AuditInfo is recorded with every event a command produces.
type AuditInfo struct {
	ID      uuid.UUID `json:"id"`
	Subject Subject   `json:"subject"`
	Object  Object    `json:"object"`
	Action  Action    `json:"action"`
	At      time.Time `json:"at"`
}

type Authorizer interface {
	Authorize(ctx context.Context, sub Subject, obj Object, act Action) (AuditInfo, error)
}

// AllowAll grants every request and only records audit info.
type AllowAll struct {
	now func() time.Time
}

func NewAllowAll() *AllowAll { return &AllowAll{now: time.Now} }

func (a *AllowAll) WithClock(now func() time.Time) *AllowAll {
	a.now = now
	return a
}

func (a *AllowAll) Authorize(_ context.Context, sub Subject, obj Object, act Action) (AuditInfo, error) {
	return AuditInfo{ID: uuid.New(), Subject: sub, Object: obj, Action: act, At: a.now().UTC()}, nil
}

// Static grants only the listed actions per subject. Useful in tests.
type Static struct {
	grants map[Subject]map[Action]bool
	now    func() time.Time
}

func NewStatic() *Static {
	return &Static{grants: make(map[Subject]map[Action]bool), now: time.Now}
}

func (s *Static) Grant(sub Subject, acts ...Action) *Static {
	if s.grants[sub] == nil {
		s.grants[sub] = make(map[Action]bool)
	}
	for _, a := range acts {
		s.grants[sub][a] = true
	}
	return s
}

func (s *Static) Authorize(_ context.Context, sub Subject, obj Object, act Action) (AuditInfo, error) {
	if !s.grants[sub][act] {
		return AuditInfo{}, fmt.Errorf("%w: %s may not %s %s", ErrForbidden, sub, act, obj)
	}
	return AuditInfo{ID: uuid.New(), Subject: sub, Object: obj, Action: act, At: s.now().UTC()}, nil
}
