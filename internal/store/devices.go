package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// applyMedicalExclusion forces a medical device without a manual opt-in
// out of scanning and compliance entirely.
func applyMedicalExclusion(d *Device) {
	if d.MedicalDevice && !d.ManuallyOptedIn {
		d.ScanPolicy = PolicyExcluded
		d.Status = StatusExcluded
		d.Compliance = ComplianceExcluded
	}
}

// UpsertDevice inserts or updates a device keyed by IP address.
// Returns (isNew, isChanged). Any update bumps sync_version and clears
// synced_to_central; medical exclusion is applied before the row is
// written.
func (s *Store) UpsertDevice(d *Device) (isNew, isChanged bool, err error) {
	now := s.now()
	err = s.inTx(func(tx *sql.Tx) error {
		existing, getErr := getDeviceBy(tx, "ip_address", d.IPAddress)
		if getErr != nil && getErr != ErrNotFound {
			return getErr
		}

		if getErr == ErrNotFound {
			isNew = true
			if d.ID == "" {
				d.ID = uuid.NewString()
			}
			if d.DeviceType == "" {
				d.DeviceType = TypeUnknown
			}
			if d.ScanPolicy == "" {
				d.ScanPolicy = PolicyStandard
			}
			if d.Status == "" {
				d.Status = StatusDiscovered
			}
			if d.Compliance == "" {
				d.Compliance = ComplianceUnknown
			}
			d.FirstSeen = now
			d.LastSeen = now
			d.SyncVersion = 1
			d.SyncedToCentral = false
			applyMedicalExclusion(d)

			_, err := tx.Exec(`INSERT INTO devices
				(id, ip_address, hostname, mac_address, os_name, os_version,
				 manufacturer, model, device_type, scan_policy, status,
				 compliance_status, medical_device, manually_opted_in,
				 phi_access_flag, origin, first_seen, last_seen, sync_version,
				 synced_to_central)
				VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,0)`,
				d.ID, d.IPAddress, d.Hostname, d.MACAddress, d.OSName, d.OSVersion,
				d.Manufacturer, d.Model, d.DeviceType, d.ScanPolicy, d.Status,
				d.Compliance, boolInt(d.MedicalDevice), boolInt(d.ManuallyOptedIn),
				boolInt(d.PHIAccessFlag), d.Origin, d.FirstSeen.Unix(), d.LastSeen.Unix(),
				d.SyncVersion)
			return err
		}

		// Merge: non-empty incoming fields win; flags only escalate
		// (a device once seen as medical stays medical until an operator
		// clears it through policy).
		merged := *existing
		isChanged = mergeDeviceFields(&merged, d)
		merged.LastSeen = now
		merged.SyncVersion = existing.SyncVersion + 1
		merged.SyncedToCentral = false
		applyMedicalExclusion(&merged)
		if merged.ScanPolicy != existing.ScanPolicy ||
			merged.Status != existing.Status ||
			merged.Compliance != existing.Compliance {
			isChanged = true
		}

		*d = merged
		_, err := tx.Exec(`UPDATE devices SET
			hostname=?, mac_address=?, os_name=?, os_version=?, manufacturer=?,
			model=?, device_type=?, scan_policy=?, status=?, compliance_status=?,
			medical_device=?, manually_opted_in=?, phi_access_flag=?, origin=?,
			last_seen=?, sync_version=?, synced_to_central=0
			WHERE id=?`,
			merged.Hostname, merged.MACAddress, merged.OSName, merged.OSVersion,
			merged.Manufacturer, merged.Model, merged.DeviceType, merged.ScanPolicy,
			merged.Status, merged.Compliance, boolInt(merged.MedicalDevice),
			boolInt(merged.ManuallyOptedIn), boolInt(merged.PHIAccessFlag),
			merged.Origin, merged.LastSeen.Unix(), merged.SyncVersion, merged.ID)
		return err
	})
	return isNew, isChanged, err
}

// mergeDeviceFields overlays non-empty fields of in onto dst.
// Returns true if anything informative changed.
func mergeDeviceFields(dst, in *Device) bool {
	changed := false
	setStr := func(dstF *string, v string) {
		if v != "" && v != *dstF {
			*dstF = v
			changed = true
		}
	}
	setStr(&dst.Hostname, in.Hostname)
	setStr(&dst.MACAddress, in.MACAddress)
	setStr(&dst.OSName, in.OSName)
	setStr(&dst.OSVersion, in.OSVersion)
	setStr(&dst.Manufacturer, in.Manufacturer)
	setStr(&dst.Model, in.Model)
	setStr(&dst.Origin, in.Origin)
	if in.DeviceType != "" && in.DeviceType != TypeUnknown && in.DeviceType != dst.DeviceType {
		dst.DeviceType = in.DeviceType
		changed = true
	}
	if in.MedicalDevice && !dst.MedicalDevice {
		dst.MedicalDevice = true
		changed = true
	}
	return changed
}

// GetDeviceByID returns a device by its opaque id.
func (s *Store) GetDeviceByID(id string) (*Device, error) {
	return s.getDevice("id", id)
}

// GetDeviceByIP returns a device by its IP address.
func (s *Store) GetDeviceByIP(ip string) (*Device, error) {
	return s.getDevice("ip_address", ip)
}

func (s *Store) getDevice(col, val string) (*Device, error) {
	row := s.db.QueryRow(deviceSelect+` WHERE `+col+` = ?`, val)
	return scanDevice(row)
}

func getDeviceBy(tx *sql.Tx, col, val string) (*Device, error) {
	row := tx.QueryRow(deviceSelect+` WHERE `+col+` = ?`, val)
	return scanDevice(row)
}

const deviceSelect = `SELECT id, ip_address, hostname, mac_address, os_name,
	os_version, manufacturer, model, device_type, scan_policy, status,
	compliance_status, medical_device, manually_opted_in, phi_access_flag,
	origin, first_seen, last_seen, last_scan, sync_version, synced_to_central
	FROM devices`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDevice(row rowScanner) (*Device, error) {
	var d Device
	var medical, optedIn, phi, synced int
	var firstSeen, lastSeen int64
	var lastScan sql.NullInt64

	err := row.Scan(&d.ID, &d.IPAddress, &d.Hostname, &d.MACAddress, &d.OSName,
		&d.OSVersion, &d.Manufacturer, &d.Model, &d.DeviceType, &d.ScanPolicy,
		&d.Status, &d.Compliance, &medical, &optedIn, &phi, &d.Origin,
		&firstSeen, &lastSeen, &lastScan, &d.SyncVersion, &synced)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	d.MedicalDevice = medical != 0
	d.ManuallyOptedIn = optedIn != 0
	d.PHIAccessFlag = phi != 0
	d.SyncedToCentral = synced != 0
	d.FirstSeen = time.Unix(firstSeen, 0).UTC()
	d.LastSeen = time.Unix(lastSeen, 0).UTC()
	if lastScan.Valid {
		t := time.Unix(lastScan.Int64, 0).UTC()
		d.LastScan = &t
	}
	return &d, nil
}

// DeviceFilter selects devices for listing.
type DeviceFilter struct {
	Type   string
	Status string
	Limit  int
	Offset int
}

// ListDevices returns devices matching the filter plus the total count.
func (s *Store) ListDevices(f DeviceFilter) ([]*Device, int, error) {
	where := " WHERE 1=1"
	args := []interface{}{}
	if f.Type != "" {
		where += " AND device_type = ?"
		args = append(args, f.Type)
	}
	if f.Status != "" {
		where += " AND status = ?"
		args = append(args, f.Status)
	}

	var total int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM devices`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := deviceSelect + where + " ORDER BY ip_address LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var devices []*Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, 0, err
		}
		devices = append(devices, d)
	}
	return devices, total, rows.Err()
}

// ListDevicesForScanning returns devices eligible for compliance scanning.
// The query filters directly: never excluded policy, and medical
// devices only when manually opted in.
func (s *Store) ListDevicesForScanning() ([]*Device, error) {
	rows, err := s.db.Query(deviceSelect + `
		WHERE scan_policy != 'excluded'
		  AND (medical_device = 0 OR manually_opted_in = 1)
		  AND status != 'offline'
		ORDER BY ip_address`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []*Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// ListUnsyncedDevices returns devices whose latest mutation has not been
// replicated to the control plane.
func (s *Store) ListUnsyncedDevices(limit int) ([]*Device, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(deviceSelect+` WHERE synced_to_central = 0 ORDER BY last_seen LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []*Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// MarkSynced sets synced_to_central for a device, but only if its
// sync_version still matches: a mutation racing the upload keeps the
// device dirty for the next replication cycle.
func (s *Store) MarkSynced(deviceID string, syncVersion int64) error {
	return s.inTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE devices SET synced_to_central = 1
			WHERE id = ? AND sync_version = ?`, deviceID, syncVersion)
		return err
	})
}

// UpdateStatus transitions a device's lifecycle status.
func (s *Store) UpdateStatus(deviceID, status string) error {
	return s.inTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE devices SET status = ?,
			sync_version = sync_version + 1, synced_to_central = 0
			WHERE id = ?`, status, deviceID)
		if err != nil {
			return err
		}
		return requireRow(res)
	})
}

// PolicyUpdate is an operator policy mutation for a device.
type PolicyUpdate struct {
	ScanPolicy      string
	ManuallyOptedIn *bool
	PHIAccessFlag   *bool
}

// UpdatePolicy applies an operator policy change. A medical device
// without opt-in can only be excluded, and an opted-in medical device
// is clamped to the limited policy; anything else is rejected.
func (s *Store) UpdatePolicy(deviceID string, upd PolicyUpdate) (*Device, error) {
	var out *Device
	err := s.inTx(func(tx *sql.Tx) error {
		d, err := getDeviceBy(tx, "id", deviceID)
		if err != nil {
			return err
		}

		if upd.ManuallyOptedIn != nil {
			d.ManuallyOptedIn = *upd.ManuallyOptedIn
		}
		if upd.PHIAccessFlag != nil {
			d.PHIAccessFlag = *upd.PHIAccessFlag
		}
		if upd.ScanPolicy != "" {
			switch upd.ScanPolicy {
			case PolicyStandard, PolicyLimited, PolicyExcluded:
			default:
				return fmt.Errorf("%w: unknown scan_policy %q", ErrInvariant, upd.ScanPolicy)
			}
			if d.MedicalDevice && !d.ManuallyOptedIn && upd.ScanPolicy != PolicyExcluded {
				return fmt.Errorf("%w: medical device without opt-in must stay excluded", ErrInvariant)
			}
			if d.MedicalDevice && d.ManuallyOptedIn && upd.ScanPolicy == PolicyStandard {
				return fmt.Errorf("%w: opted-in medical devices allow limited scanning only", ErrInvariant)
			}
			d.ScanPolicy = upd.ScanPolicy
		}

		// Re-derive dependent state after the policy change.
		if d.MedicalDevice && !d.ManuallyOptedIn {
			applyMedicalExclusion(d)
		} else if d.ScanPolicy == PolicyExcluded {
			d.Status = StatusExcluded
			d.Compliance = ComplianceExcluded
		} else if d.Status == StatusExcluded {
			d.Status = StatusDiscovered
			d.Compliance = ComplianceUnknown
		}

		d.SyncVersion++
		d.SyncedToCentral = false

		_, err = tx.Exec(`UPDATE devices SET scan_policy=?, status=?,
			compliance_status=?, manually_opted_in=?, phi_access_flag=?,
			sync_version=?, synced_to_central=0 WHERE id=?`,
			d.ScanPolicy, d.Status, d.Compliance, boolInt(d.ManuallyOptedIn),
			boolInt(d.PHIAccessFlag), d.SyncVersion, d.ID)
		out = d
		return err
	})
	return out, err
}

// UpsertPorts merges observed ports into a device's port set.
func (s *Store) UpsertPorts(deviceID string, ports []DevicePort) error {
	now := s.now().Unix()
	return s.inTx(func(tx *sql.Tx) error {
		for _, p := range ports {
			proto := p.Protocol
			if proto == "" {
				proto = "tcp"
			}
			_, err := tx.Exec(`INSERT INTO device_ports
				(device_id, port, protocol, service_name, service_version, last_seen)
				VALUES (?,?,?,?,?,?)
				ON CONFLICT(device_id, port, protocol) DO UPDATE SET
					service_name = CASE WHEN excluded.service_name != '' THEN excluded.service_name ELSE device_ports.service_name END,
					service_version = CASE WHEN excluded.service_version != '' THEN excluded.service_version ELSE device_ports.service_version END,
					last_seen = excluded.last_seen`,
				deviceID, p.Port, proto, p.ServiceName, p.ServiceVersion, now)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// ReplacePortsForDevice replaces the device's entire port set.
func (s *Store) ReplacePortsForDevice(deviceID string, ports []DevicePort) error {
	now := s.now().Unix()
	return s.inTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM device_ports WHERE device_id = ?`, deviceID); err != nil {
			return err
		}
		for _, p := range ports {
			proto := p.Protocol
			if proto == "" {
				proto = "tcp"
			}
			_, err := tx.Exec(`INSERT INTO device_ports
				(device_id, port, protocol, service_name, service_version, last_seen)
				VALUES (?,?,?,?,?,?)`,
				deviceID, p.Port, proto, p.ServiceName, p.ServiceVersion, now)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// ListPorts returns a device's observed ports.
func (s *Store) ListPorts(deviceID string) ([]DevicePort, error) {
	rows, err := s.db.Query(`SELECT device_id, port, protocol, service_name,
		service_version, last_seen FROM device_ports
		WHERE device_id = ? ORDER BY port`, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ports []DevicePort
	for rows.Next() {
		var p DevicePort
		var ls int64
		if err := rows.Scan(&p.DeviceID, &p.Port, &p.Protocol, &p.ServiceName,
			&p.ServiceVersion, &ls); err != nil {
			return nil, err
		}
		p.LastSeen = time.Unix(ls, 0).UTC()
		ports = append(ports, p)
	}
	return ports, rows.Err()
}

// DeviceCounts returns aggregate device counters for replication and health.
type DeviceCounts struct {
	Total     int `json:"total_devices"`
	Monitored int `json:"monitored_devices"`
	Excluded  int `json:"excluded_devices"`
	Medical   int `json:"medical_devices"`
	Compliant int `json:"compliant_devices"`
	Drifted   int `json:"drifted_devices"`
}

// CountDevices returns aggregate counters.
func (s *Store) CountDevices() (DeviceCounts, error) {
	var c DeviceCounts
	err := s.db.QueryRow(`SELECT
		COUNT(*),
		COALESCE(SUM(CASE WHEN status = 'monitored' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'excluded' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN medical_device = 1 THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN compliance_status = 'compliant' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN compliance_status = 'drifted' THEN 1 ELSE 0 END), 0)
		FROM devices`).Scan(&c.Total, &c.Monitored, &c.Excluded, &c.Medical, &c.Compliant, &c.Drifted)
	return c, err
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
