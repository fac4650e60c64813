package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/nexusvm/microvmctl/pkg/types"
)

var (
	bucketTenants = []byte("tenants")
	bucketMeta    = []byte("db_meta")
)

const (
	metaKeySchemaVersion   = "schema_version"
	metaKeySubnetNextIndex = "subnet_next_index"

	currentSchemaVersion = 1
)

// BoltStore is a bbolt-backed implementation of Store.
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore opens (creating if necessary) the database file under
// dataDir and applies schema migrations.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	path := filepath.Join(dataDir, "microvmctl.db")

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	s := &BoltStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *BoltStore) migrate() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketTenants); err != nil {
			return err
		}
		meta, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return err
		}
		if meta.Get([]byte(metaKeySchemaVersion)) == nil {
			if err := meta.Put([]byte(metaKeySchemaVersion), []byte(fmt.Sprintf("%d", currentSchemaVersion))); err != nil {
				return err
			}
		}
		return nil
	})
}

// tenantRecord is the on-disk encoding of a Tenant; enums are textual
// and timestamps are RFC3339 so the schema reads cleanly outside Go.
type tenantRecord struct {
	ID               string   `json:"id"`
	Tier             string   `json:"tier"`
	Status           string   `json:"status"`
	VMIP             string   `json:"vm_ip"`
	GatewayIP        string   `json:"gateway_ip"`
	TapDevice        string   `json:"tap_device"`
	SocketPath       string   `json:"socket_path"`
	DataDir          string   `json:"data_dir"`
	VMPid            int      `json:"vm_pid"`
	Channels         []string `json:"channels"`
	CreatedAt        string   `json:"created_at"`
	SkipToolApproval bool     `json:"skip_tool_approval"`
}

func toRecord(t *types.Tenant) *tenantRecord {
	return &tenantRecord{
		ID:               t.ID,
		Tier:             string(t.Tier),
		Status:           string(t.Status),
		VMIP:             t.VMIP,
		GatewayIP:        t.GatewayIP,
		TapDevice:        t.TapDevice,
		SocketPath:       t.SocketPath,
		DataDir:          t.DataDir,
		VMPid:            t.VMPid,
		Channels:         t.Channels,
		CreatedAt:        t.CreatedAt.UTC().Format(time.RFC3339),
		SkipToolApproval: t.SkipToolApproval,
	}
}

// fromRecord maps textual enums back to typed values. Unknown persisted
// strings fall back to Failed/Free rather than erroring, preserving
// forward compatibility with future enum values.
func fromRecord(r *tenantRecord) *types.Tenant {
	tier, ok := types.ParseTier(r.Tier)
	if !ok {
		tier = types.TierFree
	}

	status := types.Status(r.Status)
	switch status {
	case types.StatusCreating, types.StatusRunning, types.StatusStopped, types.StatusPaused, types.StatusFailed:
	default:
		status = types.StatusFailed
	}

	createdAt, err := time.Parse(time.RFC3339, r.CreatedAt)
	if err != nil {
		createdAt = time.Now().UTC()
	}

	return &types.Tenant{
		ID:               r.ID,
		Tier:             tier,
		Status:           status,
		VMIP:             r.VMIP,
		GatewayIP:        r.GatewayIP,
		TapDevice:        r.TapDevice,
		SocketPath:       r.SocketPath,
		DataDir:          r.DataDir,
		VMPid:            r.VMPid,
		Channels:         r.Channels,
		CreatedAt:        createdAt,
		SkipToolApproval: r.SkipToolApproval,
	}
}

// InsertTenant implements Store.
func (s *BoltStore) InsertTenant(tenant *types.Tenant) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTenants)
		if b.Get([]byte(tenant.ID)) != nil {
			return fmt.Errorf("%w: %s", types.ErrDuplicate, tenant.ID)
		}
		data, err := json.Marshal(toRecord(tenant))
		if err != nil {
			return err
		}
		return b.Put([]byte(tenant.ID), data)
	})
}

// UpdateTenantStatus implements Store.
func (s *BoltStore) UpdateTenantStatus(id string, status types.Status, vmPid int) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTenants)
		raw := b.Get([]byte(id))
		if raw == nil {
			return fmt.Errorf("%w: %s", types.ErrNotFound, id)
		}
		var rec tenantRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		rec.Status = string(status)
		rec.VMPid = vmPid
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), data)
	})
}

// DeleteTenant implements Store.
func (s *BoltStore) DeleteTenant(id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTenants).Delete([]byte(id))
	})
}

// LoadAllTenants implements Store.
func (s *BoltStore) LoadAllTenants() ([]*types.Tenant, error) {
	var out []*types.Tenant
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTenants)
		return b.ForEach(func(k, v []byte) error {
			var rec tenantRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode tenant %s: %w", k, err)
			}
			out = append(out, fromRecord(&rec))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// NextIndex implements Store.
func (s *BoltStore) NextIndex() (uint16, error) {
	var next uint16 = 1
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketMeta).Get([]byte(metaKeySubnetNextIndex))
		if raw == nil {
			return nil
		}
		var v uint16
		if _, err := fmt.Sscanf(string(raw), "%d", &v); err != nil {
			return nil
		}
		next = v
		return nil
	})
	return next, err
}

// SetNextIndex implements Store.
func (s *BoltStore) SetNextIndex(next uint16) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMeta).Put([]byte(metaKeySubnetNextIndex), []byte(fmt.Sprintf("%d", next)))
	})
}

// Close implements Store.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
