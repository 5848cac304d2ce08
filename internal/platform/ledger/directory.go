package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/shopspring/decimal"
)

// StaticDirectory is an in-memory Directory, seeded in tests or from a JSON
// file when running without a database.
type StaticDirectory struct {
	mu        sync.RWMutex
	festivals map[string]Festival
	vendors   map[string]Vendor
	users     map[string]UserProfile
}

func NewStaticDirectory() *StaticDirectory {
	return &StaticDirectory{
		festivals: make(map[string]Festival),
		vendors:   make(map[string]Vendor),
		users:     make(map[string]UserProfile),
	}
}

func (d *StaticDirectory) PutFestival(f Festival) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.festivals[f.ID] = f
}

func (d *StaticDirectory) SetFestivalStatus(id string, status FestivalStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f := d.festivals[id]
	f.ID = id
	f.Status = status
	d.festivals[id] = f
}

func (d *StaticDirectory) PutVendor(v Vendor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.vendors[v.ID] = v
}

func (d *StaticDirectory) PutUser(u UserProfile) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[u.ID] = u
}

func (d *StaticDirectory) Festival(_ context.Context, id string) (Festival, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	f, ok := d.festivals[id]
	if !ok {
		return Festival{}, ErrRecordNotFound
	}
	return f, nil
}

func (d *StaticDirectory) Vendor(_ context.Context, id string) (Vendor, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.vendors[id]
	if !ok {
		return Vendor{}, ErrRecordNotFound
	}
	return v, nil
}

func (d *StaticDirectory) User(_ context.Context, id string) (UserProfile, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[id]
	if !ok {
		return UserProfile{}, ErrRecordNotFound
	}
	return u, nil
}

type directoryFile struct {
	Festivals []struct {
		ID     string `json:"id"`
		Name   string `json:"name"`
		Status string `json:"status"`
	} `json:"festivals"`
	Vendors []struct {
		ID             string `json:"id"`
		FestivalID     string `json:"festivalId"`
		OwnerUserID    string `json:"ownerUserId"`
		Name           string `json:"name"`
		CommissionRate string `json:"commissionRate"`
	} `json:"vendors"`
	Users []struct {
		ID          string `json:"id"`
		DisplayName string `json:"displayName"`
	} `json:"users"`
}

func LoadDirectoryFile(path string) (*StaticDirectory, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read directory file: %w", err)
	}
	var f directoryFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode directory file: %w", err)
	}
	d := NewStaticDirectory()
	for _, fe := range f.Festivals {
		d.PutFestival(Festival{ID: fe.ID, Name: fe.Name, Status: FestivalStatus(fe.Status)})
	}
	for _, v := range f.Vendors {
		rate := decimal.Zero
		if v.CommissionRate != "" {
			rate, err = decimal.NewFromString(v.CommissionRate)
			if err != nil {
				return nil, fmt.Errorf("vendor %s commission rate: %w", v.ID, err)
			}
		}
		d.PutVendor(Vendor{ID: v.ID, FestivalID: v.FestivalID, OwnerUserID: v.OwnerUserID, Name: v.Name, CommissionRate: rate})
	}
	for _, u := range f.Users {
		d.PutUser(UserProfile{ID: u.ID, DisplayName: u.DisplayName})
	}
	return d, nil
}
