package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/festivalhq/cashless-ledger/internal/platform/audit"
	"github.com/festivalhq/cashless-ledger/internal/platform/events"
	"github.com/shopspring/decimal"
)

type AccountView struct {
	Account
	OwnerName string
}

type NfcBalance struct {
	AccountID string
	Balance   decimal.Decimal
	Active    bool
	OwnerName string
}

func normalizeTag(tag *string) *string {
	if tag == nil {
		return nil
	}
	v := strings.TrimSpace(*tag)
	if v == "" {
		return nil
	}
	return &v
}

// CreateAccount opens the single cashless account of userID with a zero
// balance. Uniqueness of the user and of the NFC tag is decided by the store.
func (e *Engine) CreateAccount(ctx context.Context, userID string, nfcTagID *string) (acct Account, err error) {
	defer e.track(ctx, "create_account", time.Now(), &err)

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Account{}, BadRequest(ReasonInvalidRequest, "user id is required")
	}
	tag := normalizeTag(nfcTagID)

	if _, err := e.store.AccountByUser(ctx, userID); err == nil {
		return Account{}, Conflict(ReasonAccountExists, "user already has a cashless account")
	} else if !errors.Is(err, ErrRecordNotFound) {
		return Account{}, err
	}
	if tag != nil {
		if _, err := e.store.AccountByNfcTag(ctx, *tag); err == nil {
			return Account{}, Conflict(ReasonNfcTagBound, "nfc tag is already linked to another account")
		} else if !errors.Is(err, ErrRecordNotFound) {
			return Account{}, err
		}
	}

	now := e.now()
	acct = Account{
		ID:        newID(),
		UserID:    userID,
		Balance:   decimal.Zero,
		NfcTagID:  tag,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = e.store.WithinTx(ctx, func(tx Tx) error {
		return tx.InsertAccount(ctx, acct)
	})
	if err != nil {
		return Account{}, mapDuplicate(err)
	}

	e.appendAudit(ctx, "create", nil, &acct, audit.ResultSuccess, "")
	e.publish(ctx, events.AccountCreated, map[string]any{
		"accountId": acct.ID,
		"userId":    acct.UserID,
		"nfcTagId":  acct.nfcTag(),
	})
	return acct, nil
}

func (e *Engine) GetAccount(ctx context.Context, userID string) (AccountView, error) {
	a, err := e.accountByUser(ctx, userID)
	if err != nil {
		return AccountView{}, err
	}
	return AccountView{Account: a, OwnerName: e.ownerName(ctx, a.UserID)}, nil
}

func (e *Engine) ownerName(ctx context.Context, userID string) string {
	u, err := e.dir.User(ctx, userID)
	if err != nil {
		if !errors.Is(err, ErrRecordNotFound) {
			e.Logger.WarnContext(ctx, "lookup account owner failed", "user_id", userID, "error", err)
		}
		return ""
	}
	return u.DisplayName
}

// GetAccountByNfcTag is the point-of-sale lookup. Deactivated accounts are
// refused so a frozen wristband cannot be used to check funds either.
func (e *Engine) GetAccountByNfcTag(ctx context.Context, tag string) (out NfcBalance, err error) {
	defer e.track(ctx, "nfc_lookup", time.Now(), &err)

	a, err := e.accountByTag(ctx, tag)
	if err != nil {
		return NfcBalance{}, err
	}
	if !a.Active {
		return NfcBalance{}, Forbidden(ReasonAccountInactive, "cashless account is deactivated")
	}
	return NfcBalance{
		AccountID: a.ID,
		Balance:   a.Balance,
		Active:    a.Active,
		OwnerName: e.ownerName(ctx, a.UserID),
	}, nil
}

func (e *Engine) accountByTag(ctx context.Context, tag string) (Account, error) {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return Account{}, BadRequest(ReasonInvalidRequest, "nfc tag id is required")
	}
	a, err := e.store.AccountByNfcTag(ctx, tag)
	if errors.Is(err, ErrRecordNotFound) {
		return Account{}, NotFound(ReasonAccountNotFound, "no cashless account linked to nfc tag")
	}
	return a, err
}

// LinkNfcTag binds tag to the user's account, replacing any previous tag.
func (e *Engine) LinkNfcTag(ctx context.Context, userID, tag string) (acct Account, err error) {
	defer e.track(ctx, "link_nfc", time.Now(), &err)

	tag = strings.TrimSpace(tag)
	if tag == "" {
		return Account{}, BadRequest(ReasonInvalidRequest, "nfc tag id is required")
	}
	current, err := e.accountByUser(ctx, userID)
	if err != nil {
		return Account{}, err
	}

	var before Account
	changed := false
	err = e.store.WithinTx(ctx, func(tx Tx) error {
		a, err := lockAccount(ctx, tx, current.ID)
		if err != nil {
			return err
		}
		before = cloneAccount(a)
		if a.nfcTag() == tag {
			acct = a
			return nil
		}
		owner, err := e.store.AccountByNfcTag(ctx, tag)
		switch {
		case err == nil && owner.ID != a.ID:
			return Conflict(ReasonNfcTagBound, "nfc tag is already linked to another account")
		case err != nil && !errors.Is(err, ErrRecordNotFound):
			return err
		}
		a.NfcTagID = &tag
		a.UpdatedAt = e.now()
		if err := tx.UpdateAccount(ctx, a); err != nil {
			return err
		}
		acct = a
		changed = true
		return nil
	})
	if err != nil {
		return Account{}, mapDuplicate(err)
	}
	if changed {
		e.appendAudit(ctx, "link_nfc", &before, &acct, audit.ResultSuccess, "")
		e.publish(ctx, events.NfcTagLinked, map[string]any{"accountId": acct.ID, "nfcTagId": tag})
	}
	return acct, nil
}

func (e *Engine) Deactivate(ctx context.Context, userID string) (Account, error) {
	return e.setActive(ctx, "deactivate", userID, false)
}

func (e *Engine) Reactivate(ctx context.Context, userID string) (Account, error) {
	return e.setActive(ctx, "reactivate", userID, true)
}

// setActive flips the active flag only. Balance and history are untouched.
func (e *Engine) setActive(ctx context.Context, op, userID string, active bool) (acct Account, err error) {
	defer e.track(ctx, op, time.Now(), &err)

	current, err := e.accountByUser(ctx, userID)
	if err != nil {
		return Account{}, err
	}
	var before Account
	changed := false
	err = e.store.WithinTx(ctx, func(tx Tx) error {
		a, err := lockAccount(ctx, tx, current.ID)
		if err != nil {
			return err
		}
		before = cloneAccount(a)
		acct = a
		if a.Active == active {
			return nil
		}
		a.Active = active
		a.UpdatedAt = e.now()
		if err := tx.UpdateAccount(ctx, a); err != nil {
			return err
		}
		acct = a
		changed = true
		return nil
	})
	if err != nil {
		return Account{}, err
	}
	if changed {
		typ := events.AccountDeactivated
		if active {
			typ = events.AccountReactivated
		}
		e.appendAudit(ctx, op, &before, &acct, audit.ResultSuccess, "")
		e.publish(ctx, typ, map[string]any{"accountId": acct.ID, "userId": acct.UserID})
	}
	return acct, nil
}
