package archive

import (
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Entry is the metadata sidecar stored next to every archived object.
type Entry struct {
	Handle      string      `cbor:"handle" json:"handle"`
	Size        int         `cbor:"size" json:"size"`
	Compression Compression `cbor:"compression" json:"compression"`
	ArchivedAt  time.Time   `cbor:"archived_at" json:"archived_at"`
}

// Core deterministic encoding: identical metadata always produces
// identical sidecar bytes.
var (
	metaEncMode cbor.EncMode
	metaDecMode cbor.DecMode
)

func init() {
	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	var err error
	metaEncMode, err = encOptions.EncMode()
	if err != nil {
		panic("archive: CBOR encoder initialization failed: " + err.Error())
	}
	metaDecMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("archive: CBOR decoder initialization failed: " + err.Error())
	}
}

func marshalEntry(e Entry) ([]byte, error) {
	return metaEncMode.Marshal(e)
}

func unmarshalEntry(data []byte) (Entry, error) {
	var e Entry
	err := metaDecMode.Unmarshal(data, &e)
	return e, err
}
