package disk

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"sigs.k8s.io/yaml"
)

type partitionJSON struct {
	ObjID        string             `json:"obj_id"`
	Status       ModificationStatus `json:"status"`
	Type         PartitionType      `json:"type"`
	Start        Size               `json:"start"`
	Length       Size               `json:"length"`
	FSType       FilesystemType     `json:"fs_type"`
	Mountpoint   string             `json:"mountpoint,omitempty"`
	MountOptions []string           `json:"mount_options"`
	Flags        []PartitionFlag    `json:"flags"`
	Btrfs        json.RawMessage    `json:"btrfs,omitempty"`
	DevPath      string             `json:"dev_path,omitempty"`
}

type deviceModificationJSON struct {
	Device     string          `json:"device"`
	Wipe       bool            `json:"wipe"`
	Partitions []partitionJSON `json:"partitions"`
}

type layoutConfigurationJSON struct {
	LayoutType          LayoutType               `json:"layout_type"`
	RelativeMountpoint  string                   `json:"relative_mountpoint,omitempty"`
	DeviceModifications []deviceModificationJSON `json:"device_modifications"`
}

type diskEncryptionJSON struct {
	EncryptionType EncryptionType `json:"encryption_type"`
	Password       string         `json:"encryption_password,omitempty"`
	Partitions     []string       `json:"partitions"`
	HSMDevice      *Fido2Device   `json:"hsm_device,omitempty"`
}

// toJSON renders documents in either JSON or YAML as JSON.
func toJSON(data []byte) ([]byte, error) {
	out, err := yaml.YAMLToJSON(data)
	if err != nil {
		return nil, fmt.Errorf("cannot parse configuration document: %w", err)
	}
	return out, nil
}

// ParseLayoutConfiguration decodes a disk layout document. Device paths are
// resolved with devices; sector sizes and percent based sizes take their
// context from the device they belong to.
func ParseLayoutConfiguration(data []byte, devices DeviceLookup) (*LayoutConfiguration, error) {
	jsonData, err := toJSON(data)
	if err != nil {
		return nil, err
	}

	var raw layoutConfigurationJSON
	if err := json.Unmarshal(jsonData, &raw); err != nil {
		return nil, fmt.Errorf("cannot decode disk layout configuration: %w", err)
	}

	config := &LayoutConfiguration{
		Type:               raw.LayoutType,
		RelativeMountpoint: raw.RelativeMountpoint,
	}

	for _, rawMod := range raw.DeviceModifications {
		device := devices.Device(rawMod.Device)
		if device == nil {
			return nil, validationErrorf("unknown block device %q", rawMod.Device)
		}

		mod := NewDeviceModification(device, rawMod.Wipe)
		for _, rawPart := range rawMod.Partitions {
			part, err := rawPart.toModification(device)
			if err != nil {
				return nil, err
			}
			mod.AddPartition(part)
		}
		config.DeviceModifications = append(config.DeviceModifications, mod)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (raw partitionJSON) toModification(device *BDevice) (*PartitionModification, error) {
	subvolumes, err := parseSubvolumes(raw.Btrfs)
	if err != nil {
		return nil, err
	}

	start := raw.Start.WithContext(device.SectorSize(), device.TotalBytes())
	length := raw.Length.WithContext(device.SectorSize(), device.TotalBytes())
	for _, s := range []Size{start, length} {
		if !s.validUnit() {
			return nil, validationErrorf("invalid size unit %q on %s", s.Unit, device.Path())
		}
	}

	p := &PartitionModification{
		ObjID:        raw.ObjID,
		Status:       raw.Status,
		Type:         raw.Type,
		Start:        start,
		Length:       length,
		FSType:       raw.FSType,
		Mountpoint:   raw.Mountpoint,
		MountOptions: raw.MountOptions,
		Flags:        raw.Flags,
		Btrfs:        subvolumes,
		DevPath:      raw.DevPath,
	}
	if p.ObjID == "" {
		p.ObjID = uuid.NewString()
	}
	if p.Type == "" {
		p.Type = PartitionTypePrimary
	}
	return p, nil
}

func (p *PartitionModification) toJSON() (partitionJSON, error) {
	raw := partitionJSON{
		ObjID:        p.ObjID,
		Status:       p.Status,
		Type:         p.Type,
		Start:        p.Start,
		Length:       p.Length,
		FSType:       p.FSType,
		Mountpoint:   p.Mountpoint,
		MountOptions: p.MountOptions,
		Flags:        p.Flags,
	}
	// A created partition is serialized as still to be created so that the
	// document can be loaded again.
	if p.Status != StatusCreate {
		raw.DevPath = p.DevPath
	}
	if len(p.Btrfs) > 0 {
		subvolumes, err := json.Marshal(p.Btrfs)
		if err != nil {
			return partitionJSON{}, err
		}
		raw.Btrfs = subvolumes
	}
	return raw, nil
}

func (c *LayoutConfiguration) MarshalJSON() ([]byte, error) {
	raw := layoutConfigurationJSON{
		LayoutType:          c.Type,
		RelativeMountpoint:  c.RelativeMountpoint,
		DeviceModifications: []deviceModificationJSON{},
	}
	for _, mod := range c.DeviceModifications {
		rawMod := deviceModificationJSON{
			Device:     mod.DevicePath(),
			Wipe:       mod.Wipe,
			Partitions: []partitionJSON{},
		}
		for _, p := range mod.Partitions {
			rawPart, err := p.toJSON()
			if err != nil {
				return nil, err
			}
			rawMod.Partitions = append(rawMod.Partitions, rawPart)
		}
		raw.DeviceModifications = append(raw.DeviceModifications, rawMod)
	}
	return json.Marshal(raw)
}

// ParseDiskEncryption decodes a disk encryption document. Partitions are
// referenced by their obj_id and resolved against layout.
func ParseDiskEncryption(data []byte, layout *LayoutConfiguration) (*DiskEncryption, error) {
	jsonData, err := toJSON(data)
	if err != nil {
		return nil, err
	}

	var raw diskEncryptionJSON
	if err := json.Unmarshal(jsonData, &raw); err != nil {
		return nil, fmt.Errorf("cannot decode disk encryption configuration: %w", err)
	}

	byID := make(map[string]*PartitionModification)
	if layout != nil {
		for _, p := range layout.Partitions() {
			byID[p.ObjID] = p
		}
	}

	enc := &DiskEncryption{
		EncryptionType: raw.EncryptionType,
		Password:       raw.Password,
		HSMDevice:      raw.HSMDevice,
	}
	if enc.EncryptionType == "" {
		enc.EncryptionType = EncryptionTypePartition
	}
	for _, id := range raw.Partitions {
		p, ok := byID[id]
		if !ok {
			return nil, validationErrorf("encrypted partition %s is not part of the disk layout", id)
		}
		enc.Partitions = append(enc.Partitions, p)
	}

	if err := enc.Validate(layout); err != nil {
		return nil, err
	}
	return enc, nil
}

func (e *DiskEncryption) MarshalJSON() ([]byte, error) {
	raw := diskEncryptionJSON{
		EncryptionType: e.EncryptionType,
		Password:       e.Password,
		Partitions:     []string{},
		HSMDevice:      e.HSMDevice,
	}
	for _, p := range e.Partitions {
		raw.Partitions = append(raw.Partitions, p.ObjID)
	}
	return json.Marshal(raw)
}
