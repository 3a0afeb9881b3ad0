// Package csvfile reads the kea-dhcp4 memfile lease database.
package csvfile

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/keapin/keapin/dhcp"
	"github.com/keapin/keapin/leasestore"
	"github.com/keapin/keapin/types"
)

// Column layout of the memfile CSV:
// address,hwaddr,client_id,valid_lifetime,expire,subnet_id,
// fqdn_fwd,fqdn_rev,hostname,state,user_context
const (
	colAddress  = 0
	colHWAddr   = 1
	colExpire   = 4
	colHostname = 8
	colState    = 9

	minColumns = 10
)

const stateActive = 0

// CSVFile reads the lease database from a memfile CSV on disk.
type CSVFile struct {
	path   string
	now    func() time.Time
	logger *zap.Logger
}

// New returns a LeaseStore backed by the memfile CSV at path.
func New(path string, logger *zap.Logger) leasestore.LeaseStore {
	return &CSVFile{
		path:   path,
		now:    time.Now,
		logger: logger,
	}
}

// ListActive parses the lease file, keeps active unexpired records and
// deduplicates by hardware address, keeping the record with the latest
// expire. Malformed rows are skipped; an unreadable file fails with
// dhcp.ErrSourceUnavailable.
func (c *CSVFile) ListActive(ctx context.Context) ([]dhcp.Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(c.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", dhcp.ErrSourceUnavailable, err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	now := c.now()
	var leases []dhcp.Lease
	index := map[string]int{}

	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			c.logger.Debug("skipping unparseable lease row", zap.Error(err))
			continue
		}

		lease, ok := c.parseRow(row, now)
		if !ok {
			continue
		}

		key := lease.HWAddress.String()
		if i, seen := index[key]; seen {
			if lease.Expire.After(leases[i].Expire) {
				leases[i] = lease
			}
			continue
		}
		index[key] = len(leases)
		leases = append(leases, lease)
	}

	return leases, nil
}

func (c *CSVFile) parseRow(row []string, now time.Time) (dhcp.Lease, bool) {
	if len(row) < minColumns {
		return dhcp.Lease{}, false
	}
	// Header row.
	if row[colAddress] == "address" {
		return dhcp.Lease{}, false
	}

	ip, err := types.ParseIP(row[colAddress])
	if err != nil {
		c.logger.Debug("skipping lease row with bad address", zap.String("address", row[colAddress]))
		return dhcp.Lease{}, false
	}
	mac, err := types.ParseMAC(row[colHWAddr])
	if err != nil {
		c.logger.Debug("skipping lease row with bad hwaddr", zap.String("hwaddr", row[colHWAddr]))
		return dhcp.Lease{}, false
	}
	expire, err := strconv.ParseInt(row[colExpire], 10, 64)
	if err != nil {
		c.logger.Debug("skipping lease row with bad expire", zap.String("expire", row[colExpire]))
		return dhcp.Lease{}, false
	}
	state, err := strconv.Atoi(row[colState])
	if err != nil {
		c.logger.Debug("skipping lease row with bad state", zap.String("state", row[colState]))
		return dhcp.Lease{}, false
	}

	lease := dhcp.Lease{
		HWAddress: *mac,
		IPAddress: *ip,
		Hostname:  row[colHostname],
		Expire:    time.Unix(expire, 0),
		State:     state,
	}
	if lease.State != stateActive || !lease.Expire.After(now) {
		return dhcp.Lease{}, false
	}
	return lease, true
}
