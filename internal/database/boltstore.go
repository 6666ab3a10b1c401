// internal/database/boltstore.go - BoltDB implementation
package database

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

var (
	MonitorsBucket        = []byte("monitors")
	MonitorSlugsBucket    = []byte("monitor_slugs")
	PingsBucket           = []byte("pings")
	IncidentsBucket       = []byte("incidents")
	IncidentIndexBucket   = []byte("incident_index")
	OpenIncidentsBucket   = []byte("open_incidents")
	ChannelsBucket        = []byte("channels")
	DeliveriesBucket      = []byte("deliveries")
	StatusPagesBucket     = []byte("status_pages")
	StatusPageSlugsBucket = []byte("status_page_slugs")
	MetaBucket            = []byte("meta")
)

var allBuckets = [][]byte{
	MonitorsBucket, MonitorSlugsBucket, PingsBucket, IncidentsBucket, IncidentIndexBucket,
	OpenIncidentsBucket, ChannelsBucket, DeliveriesBucket, StatusPagesBucket,
	StatusPageSlugsBucket, MetaBucket,
}

type BoltStore struct {
	db   *bbolt.DB
	path string
}

func NewBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open BoltDB: %w", err)
	}

	store := &BoltStore{db: db, path: path}

	if err := store.initBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}

	return store, nil
}

func (s *BoltStore) initBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return tx.Bucket(MetaBucket).Put([]byte("schema_version"), []byte("1"))
	})
}

func getJSON(b *bbolt.Bucket, key string, out interface{}) error {
	v := b.Get([]byte(key))
	if v == nil {
		return ErrNotFound
	}
	return json.Unmarshal(v, out)
}

func putJSON(b *bbolt.Bucket, key string, in interface{}) error {
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return b.Put([]byte(key), data)
}

func monitorSlugKey(ownerID, slug string) string {
	return ownerID + "/" + slug
}

// Ping keys sort by monitor, then time, then sequence.
func pingKey(monitorID string, at time.Time, seq uint64) string {
	return fmt.Sprintf("%s:%020d:%020d", monitorID, at.UnixNano(), seq)
}

func incidentIndexKey(monitorID string, startedAt time.Time, id string) string {
	return fmt.Sprintf("%s:%020d:%s", monitorID, startedAt.UnixNano(), id)
}

// reversePrefix walks every key with the given prefix, newest first.
func reversePrefix(c *bbolt.Cursor, prefix string, fn func(k, v []byte) bool) {
	// ';' sorts directly after ':' so seeking there lands past the prefix range.
	upper := []byte(strings.TrimSuffix(prefix, ":") + ";")
	k, v := c.Seek(upper)
	if k == nil {
		k, v = c.Last()
	} else {
		k, v = c.Prev()
	}
	for ; k != nil && bytes.HasPrefix(k, []byte(prefix)); k, v = c.Prev() {
		if !fn(k, v) {
			return
		}
	}
}

func (s *BoltStore) GetMonitors(ctx context.Context, filters MonitorFilters) ([]Monitor, error) {
	var monitors []Monitor

	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(MonitorsBucket).ForEach(func(k, v []byte) error {
			var monitor Monitor
			if err := json.Unmarshal(v, &monitor); err != nil {
				return fmt.Errorf("failed to unmarshal monitor %s: %w", k, err)
			}
			if filters.match(&monitor) {
				monitors = append(monitors, monitor)
			}
			return nil
		})
	})

	sort.SliceStable(monitors, func(i, j int) bool {
		return monitors[i].CreatedAt.Before(monitors[j].CreatedAt)
	})
	return monitors, err
}

func (s *BoltStore) GetMonitor(ctx context.Context, id string) (*Monitor, error) {
	var monitor Monitor

	err := s.db.View(func(tx *bbolt.Tx) error {
		return getJSON(tx.Bucket(MonitorsBucket), id, &monitor)
	})
	if err != nil {
		return nil, err
	}
	return &monitor, nil
}

func (s *BoltStore) CreateMonitor(ctx context.Context, monitor *Monitor) error {
	if monitor.ID == "" {
		monitor.ID = uuid.New().String()
	}
	if monitor.CreatedAt.IsZero() {
		monitor.CreatedAt = time.Now().UTC()
	}
	if monitor.UpdatedAt.IsZero() {
		monitor.UpdatedAt = monitor.CreatedAt
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(MonitorsBucket)
		slugs := tx.Bucket(MonitorSlugsBucket)

		if b.Get([]byte(monitor.ID)) != nil {
			return fmt.Errorf("monitor %s already exists", monitor.ID)
		}
		slugKey := []byte(monitorSlugKey(monitor.OwnerID, monitor.Slug))
		if slugs.Get(slugKey) != nil {
			return ErrSlugTaken
		}

		if err := slugs.Put(slugKey, []byte(monitor.ID)); err != nil {
			return err
		}
		return putJSON(b, monitor.ID, monitor)
	})
}

func (s *BoltStore) UpdateMonitor(ctx context.Context, monitor *Monitor) error {
	if monitor.UpdatedAt.IsZero() {
		monitor.UpdatedAt = time.Now().UTC()
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(MonitorsBucket)
		slugs := tx.Bucket(MonitorSlugsBucket)

		var existing Monitor
		if err := getJSON(b, monitor.ID, &existing); err != nil {
			return err
		}

		if existing.Slug != monitor.Slug || existing.OwnerID != monitor.OwnerID {
			newKey := []byte(monitorSlugKey(monitor.OwnerID, monitor.Slug))
			if owner := slugs.Get(newKey); owner != nil && string(owner) != monitor.ID {
				return ErrSlugTaken
			}
			if err := slugs.Delete([]byte(monitorSlugKey(existing.OwnerID, existing.Slug))); err != nil {
				return err
			}
			if err := slugs.Put(newKey, []byte(monitor.ID)); err != nil {
				return err
			}
		}

		return putJSON(b, monitor.ID, monitor)
	})
}

func (s *BoltStore) DeleteMonitor(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(MonitorsBucket)

		var monitor Monitor
		if err := getJSON(b, id, &monitor); err != nil {
			return err
		}

		if err := tx.Bucket(MonitorSlugsBucket).Delete([]byte(monitorSlugKey(monitor.OwnerID, monitor.Slug))); err != nil {
			return err
		}

		prefix := id + ":"
		if err := deletePrefix(tx.Bucket(PingsBucket), prefix, nil); err != nil {
			return fmt.Errorf("failed to delete pings: %w", err)
		}

		incidents := tx.Bucket(IncidentsBucket)
		err := deletePrefix(tx.Bucket(IncidentIndexBucket), prefix, func(v []byte) error {
			return incidents.Delete(v)
		})
		if err != nil {
			return fmt.Errorf("failed to delete incidents: %w", err)
		}
		if err := tx.Bucket(OpenIncidentsBucket).Delete([]byte(id)); err != nil {
			return err
		}

		deliveries := tx.Bucket(DeliveriesBucket)
		var deliveryKeys [][]byte
		err = deliveries.ForEach(func(k, v []byte) error {
			var d Delivery
			if err := json.Unmarshal(v, &d); err == nil && d.MonitorID == id {
				deliveryKeys = append(deliveryKeys, copyBytes(k))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range deliveryKeys {
			if err := deliveries.Delete(k); err != nil {
				return err
			}
		}

		return b.Delete([]byte(id))
	})
}

// deletePrefix removes every key with prefix, calling onValue first for each.
func deletePrefix(b *bbolt.Bucket, prefix string, onValue func(v []byte) error) error {
	var keys [][]byte
	c := b.Cursor()
	for k, v := c.Seek([]byte(prefix)); k != nil && bytes.HasPrefix(k, []byte(prefix)); k, v = c.Next() {
		if onValue != nil {
			if err := onValue(copyBytes(v)); err != nil {
				return err
			}
		}
		keys = append(keys, copyBytes(k))
	}
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func (s *BoltStore) CreatePing(ctx context.Context, ping *Ping) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(PingsBucket)

		seq, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate ping id: %w", err)
		}
		ping.ID = int64(seq)

		return putJSON(b, pingKey(ping.MonitorID, ping.PingedAt, seq), ping)
	})
}

func (s *BoltStore) GetPings(ctx context.Context, monitorID string, limit int) ([]Ping, error) {
	var pings []Ping

	err := s.db.View(func(tx *bbolt.Tx) error {
		var decodeErr error
		reversePrefix(tx.Bucket(PingsBucket).Cursor(), monitorID+":", func(k, v []byte) bool {
			var ping Ping
			if err := json.Unmarshal(v, &ping); err != nil {
				decodeErr = fmt.Errorf("failed to unmarshal ping %s: %w", k, err)
				return false
			}
			pings = append(pings, ping)
			return limit <= 0 || len(pings) < limit
		})
		return decodeErr
	})

	return pings, err
}

func (s *BoltStore) CreateIncident(ctx context.Context, incident *Incident) error {
	if incident.ID == "" {
		incident.ID = uuid.New().String()
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		open := tx.Bucket(OpenIncidentsBucket)

		if incident.Open() {
			if open.Get([]byte(incident.MonitorID)) != nil {
				return ErrOpenIncidentExists
			}
			if err := open.Put([]byte(incident.MonitorID), []byte(incident.ID)); err != nil {
				return err
			}
		}

		indexKey := incidentIndexKey(incident.MonitorID, incident.StartedAt, incident.ID)
		if err := tx.Bucket(IncidentIndexBucket).Put([]byte(indexKey), []byte(incident.ID)); err != nil {
			return err
		}
		return putJSON(tx.Bucket(IncidentsBucket), incident.ID, incident)
	})
}

func (s *BoltStore) GetIncident(ctx context.Context, id string) (*Incident, error) {
	var incident Incident

	err := s.db.View(func(tx *bbolt.Tx) error {
		return getJSON(tx.Bucket(IncidentsBucket), id, &incident)
	})
	if err != nil {
		return nil, err
	}
	return &incident, nil
}

func (s *BoltStore) GetOpenIncident(ctx context.Context, monitorID string) (*Incident, error) {
	var incident Incident

	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(OpenIncidentsBucket).Get([]byte(monitorID))
		if id == nil {
			return ErrNotFound
		}
		return getJSON(tx.Bucket(IncidentsBucket), string(id), &incident)
	})
	if err != nil {
		return nil, err
	}
	return &incident, nil
}

func (s *BoltStore) GetIncidents(ctx context.Context, filters IncidentFilters) ([]Incident, error) {
	var incidents []Incident

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(IncidentsBucket)

		if filters.MonitorID != "" {
			var walkErr error
			reversePrefix(tx.Bucket(IncidentIndexBucket).Cursor(), filters.MonitorID+":", func(k, v []byte) bool {
				var incident Incident
				if err := getJSON(b, string(v), &incident); err != nil {
					walkErr = fmt.Errorf("failed to load incident %s: %w", v, err)
					return false
				}
				if filters.match(&incident) {
					incidents = append(incidents, incident)
				}
				return filters.Limit <= 0 || len(incidents) < filters.Limit
			})
			return walkErr
		}

		return b.ForEach(func(k, v []byte) error {
			var incident Incident
			if err := json.Unmarshal(v, &incident); err != nil {
				return fmt.Errorf("failed to unmarshal incident %s: %w", k, err)
			}
			if filters.match(&incident) {
				incidents = append(incidents, incident)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	if filters.MonitorID == "" {
		sort.SliceStable(incidents, func(i, j int) bool {
			return incidents[i].StartedAt.After(incidents[j].StartedAt)
		})
		if filters.Limit > 0 && len(incidents) > filters.Limit {
			incidents = incidents[:filters.Limit]
		}
	}
	return incidents, nil
}

func (s *BoltStore) ResolveIncident(ctx context.Context, id string, resolvedAt time.Time, durationSecs int64) (*Incident, error) {
	var incident Incident

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(IncidentsBucket)
		if err := getJSON(b, id, &incident); err != nil {
			return err
		}
		if !incident.Open() {
			return ErrIncidentResolved
		}

		incident.ResolvedAt = &resolvedAt
		incident.DurationSecs = &durationSecs

		open := tx.Bucket(OpenIncidentsBucket)
		if current := open.Get([]byte(incident.MonitorID)); current != nil && string(current) == id {
			if err := open.Delete([]byte(incident.MonitorID)); err != nil {
				return err
			}
		}
		return putJSON(b, id, &incident)
	})
	if err != nil {
		return nil, err
	}
	return &incident, nil
}

func (s *BoltStore) MarkIncidentAlerted(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(IncidentsBucket)

		var incident Incident
		if err := getJSON(b, id, &incident); err != nil {
			return err
		}
		if incident.AlertSent {
			return nil
		}
		incident.AlertSent = true
		return putJSON(b, id, &incident)
	})
}

func (s *BoltStore) GetAlertChannels(ctx context.Context, ownerID string) ([]AlertChannel, error) {
	var channels []AlertChannel

	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(ChannelsBucket).ForEach(func(k, v []byte) error {
			var channel AlertChannel
			if err := json.Unmarshal(v, &channel); err != nil {
				return fmt.Errorf("failed to unmarshal channel %s: %w", k, err)
			}
			if ownerID == "" || channel.OwnerID == ownerID {
				channels = append(channels, channel)
			}
			return nil
		})
	})

	sort.SliceStable(channels, func(i, j int) bool {
		return channels[i].CreatedAt.Before(channels[j].CreatedAt)
	})
	return channels, err
}

func (s *BoltStore) GetAlertChannel(ctx context.Context, id string) (*AlertChannel, error) {
	var channel AlertChannel

	err := s.db.View(func(tx *bbolt.Tx) error {
		return getJSON(tx.Bucket(ChannelsBucket), id, &channel)
	})
	if err != nil {
		return nil, err
	}
	return &channel, nil
}

func (s *BoltStore) CreateAlertChannel(ctx context.Context, channel *AlertChannel) error {
	if channel.Config == nil {
		return fmt.Errorf("alert channel has no config")
	}
	if channel.ID == "" {
		channel.ID = uuid.New().String()
	}
	if channel.CreatedAt.IsZero() {
		channel.CreatedAt = time.Now().UTC()
	}
	channel.Type = channel.Config.Type()

	return s.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx.Bucket(ChannelsBucket), channel.ID, channel)
	})
}

func (s *BoltStore) UpdateAlertChannel(ctx context.Context, channel *AlertChannel) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(ChannelsBucket)
		if b.Get([]byte(channel.ID)) == nil {
			return ErrNotFound
		}
		return putJSON(b, channel.ID, channel)
	})
}

func (s *BoltStore) DeleteAlertChannel(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(ChannelsBucket)
		if b.Get([]byte(id)) == nil {
			return ErrNotFound
		}
		return b.Delete([]byte(id))
	})
}

func (s *BoltStore) CreateDelivery(ctx context.Context, delivery *Delivery) error {
	if delivery.ID == "" {
		delivery.ID = uuid.New().String()
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx.Bucket(DeliveriesBucket), delivery.ID, delivery)
	})
}

func (s *BoltStore) GetDeliveries(ctx context.Context, filters DeliveryFilters) ([]Delivery, error) {
	var deliveries []Delivery

	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(DeliveriesBucket).ForEach(func(k, v []byte) error {
			var delivery Delivery
			if err := json.Unmarshal(v, &delivery); err != nil {
				return fmt.Errorf("failed to unmarshal delivery %s: %w", k, err)
			}
			if filters.match(&delivery) {
				deliveries = append(deliveries, delivery)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(deliveries, func(i, j int) bool {
		return deliveries[i].CreatedAt.After(deliveries[j].CreatedAt)
	})
	if filters.Limit > 0 && len(deliveries) > filters.Limit {
		deliveries = deliveries[:filters.Limit]
	}
	return deliveries, nil
}

func (s *BoltStore) GetStatusPages(ctx context.Context, ownerID string) ([]StatusPage, error) {
	var pages []StatusPage

	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(StatusPagesBucket).ForEach(func(k, v []byte) error {
			var page StatusPage
			if err := json.Unmarshal(v, &page); err != nil {
				return fmt.Errorf("failed to unmarshal status page %s: %w", k, err)
			}
			if ownerID == "" || page.OwnerID == ownerID {
				pages = append(pages, page)
			}
			return nil
		})
	})

	sort.SliceStable(pages, func(i, j int) bool {
		return pages[i].CreatedAt.Before(pages[j].CreatedAt)
	})
	return pages, err
}

func (s *BoltStore) GetStatusPage(ctx context.Context, id string) (*StatusPage, error) {
	var page StatusPage

	err := s.db.View(func(tx *bbolt.Tx) error {
		return getJSON(tx.Bucket(StatusPagesBucket), id, &page)
	})
	if err != nil {
		return nil, err
	}
	return &page, nil
}

func (s *BoltStore) GetStatusPageBySlug(ctx context.Context, slug string) (*StatusPage, error) {
	var page StatusPage

	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(StatusPageSlugsBucket).Get([]byte(slug))
		if id == nil {
			return ErrNotFound
		}
		return getJSON(tx.Bucket(StatusPagesBucket), string(id), &page)
	})
	if err != nil {
		return nil, err
	}
	return &page, nil
}

func (s *BoltStore) CreateStatusPage(ctx context.Context, page *StatusPage) error {
	if page.ID == "" {
		page.ID = uuid.New().String()
	}
	if page.CreatedAt.IsZero() {
		page.CreatedAt = time.Now().UTC()
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		slugs := tx.Bucket(StatusPageSlugsBucket)
		if slugs.Get([]byte(page.Slug)) != nil {
			return ErrSlugTaken
		}
		if err := slugs.Put([]byte(page.Slug), []byte(page.ID)); err != nil {
			return err
		}
		return putJSON(tx.Bucket(StatusPagesBucket), page.ID, page)
	})
}

func (s *BoltStore) UpdateStatusPage(ctx context.Context, page *StatusPage) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(StatusPagesBucket)
		slugs := tx.Bucket(StatusPageSlugsBucket)

		var existing StatusPage
		if err := getJSON(b, page.ID, &existing); err != nil {
			return err
		}

		if existing.Slug != page.Slug {
			if owner := slugs.Get([]byte(page.Slug)); owner != nil && string(owner) != page.ID {
				return ErrSlugTaken
			}
			if err := slugs.Delete([]byte(existing.Slug)); err != nil {
				return err
			}
			if err := slugs.Put([]byte(page.Slug), []byte(page.ID)); err != nil {
				return err
			}
		}
		return putJSON(b, page.ID, page)
	})
}

func (s *BoltStore) DeleteStatusPage(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(StatusPagesBucket)

		var page StatusPage
		if err := getJSON(b, id, &page); err != nil {
			return err
		}
		if err := tx.Bucket(StatusPageSlugsBucket).Delete([]byte(page.Slug)); err != nil {
			return err
		}
		return b.Delete([]byte(id))
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
