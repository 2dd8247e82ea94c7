package disk

type EncryptionType string

const (
	EncryptionTypePartition EncryptionType = "partition"
)

// Fido2Device is a FIDO2 token as listed by systemd-cryptenroll.
type Fido2Device struct {
	Path         string `json:"path"`
	Manufacturer string `json:"manufacturer"`
	Product      string `json:"product"`
}

// DiskEncryption selects partitions of a layout to be formatted inside a
// LUKS2 container.
type DiskEncryption struct {
	EncryptionType EncryptionType
	Password       string
	// Members of the layout's partition lists. Compared by identity.
	Partitions []*PartitionModification
	HSMDevice  *Fido2Device
}

// ShouldEncrypt reports whether p is one of the partitions to be encrypted.
// A nil receiver encrypts nothing.
func (e *DiskEncryption) ShouldEncrypt(p *PartitionModification) bool {
	if e == nil {
		return false
	}
	for _, ep := range e.Partitions {
		if ep == p {
			return true
		}
	}
	return false
}

// Validate checks that the configuration can be applied to the given
// layout.
func (e *DiskEncryption) Validate(layout *LayoutConfiguration) error {
	if e == nil {
		return nil
	}
	if e.EncryptionType != EncryptionTypePartition {
		return validationErrorf("unsupported encryption type %q", e.EncryptionType)
	}
	if len(e.Partitions) > 0 && e.Password == "" {
		return validationErrorf("an encryption password is required")
	}

	for _, ep := range e.Partitions {
		if ep == nil {
			return validationErrorf("encryption references an empty partition")
		}
		found := false
		if layout != nil {
			for _, p := range layout.Partitions() {
				if p == ep {
					found = true
					break
				}
			}
		}
		if !found {
			return validationErrorf("encrypted partition %s is not part of the disk layout", ep.ObjID)
		}
		if ep.Status == StatusDelete {
			return validationErrorf("partition %s is marked for deletion and cannot be encrypted", ep.ObjID)
		}
	}
	return nil
}
