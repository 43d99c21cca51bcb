package bunny

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
	"time"
)

// bunnyTimeLayouts are the timestamp shapes the storage API is known to emit.
// The fractional part varies in precision and a timezone suffix sometimes
// appears, so parsing tries each in order.
var bunnyTimeLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	time.RFC3339Nano,
	time.RFC3339,
}

// Time wraps time.Time with Bunny's JSON timestamp format.
type Time struct {
	time.Time
}

func (t *Time) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		t.Time = time.Time{}
		return nil
	}
	var lastErr error
	for _, layout := range bunnyTimeLayouts {
		parsed, err := time.Parse(layout, s)
		if err == nil {
			t.Time = parsed.UTC()
			return nil
		}
		lastErr = err
	}
	return lastErr
}

func (t Time) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.UTC().Format("2006-01-02T15:04:05.000") + `"`), nil
}

// StorageObject is one entry of a Bunny directory listing or DESCRIBE
// response.
type StorageObject struct {
	Guid            string  `json:"Guid"`
	UserID          string  `json:"UserId"`
	LastChanged     Time    `json:"LastChanged"`
	DateCreated     Time    `json:"DateCreated"`
	StorageZoneName string  `json:"StorageZoneName"`
	Path            string  `json:"Path"`
	ObjectName      string  `json:"ObjectName"`
	Length          int64   `json:"Length"`
	StorageZoneID   int64   `json:"StorageZoneId"`
	IsDirectory     bool    `json:"IsDirectory"`
	ServerID        int64   `json:"ServerId"`
	Checksum        *string `json:"Checksum"`
	ReplicatedZones *string `json:"ReplicatedZones"`
	ContentType     string  `json:"ContentType"`
}

// FullPath joins Path and ObjectName into the zone-absolute path.
func (o *StorageObject) FullPath() string {
	if strings.HasSuffix(o.Path, "/") {
		return o.Path + o.ObjectName
	}
	return o.Path + "/" + o.ObjectName
}

// S3Key strips the storage zone prefix from the full path, yielding the key
// the object is addressed by over the S3 surface.
func (o *StorageObject) S3Key() string {
	full := strings.TrimPrefix(o.FullPath(), "/")
	if rest, ok := strings.CutPrefix(full, o.StorageZoneName); ok {
		return strings.TrimPrefix(rest, "/")
	}
	return full
}

// ETagValue returns the unquoted ETag for the object: the upstream SHA-256
// checksum lowercased when present, otherwise a stable MD5 of the GUID so
// clients always see some ETag.
func (o *StorageObject) ETagValue() string {
	if o.Checksum != nil && *o.Checksum != "" {
		return strings.ToLower(*o.Checksum)
	}
	sum := md5.Sum([]byte(o.Guid))
	return hex.EncodeToString(sum[:])
}

// UploadOptions carries the optional headers of a storage upload.
type UploadOptions struct {
	// SHA256Checksum, when set, is sent as the Checksum header and makes the
	// storage API verify the body server-side.
	SHA256Checksum string
	// ContentType, when set, overrides the content type recorded upstream.
	ContentType string
}
