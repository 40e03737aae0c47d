package appstate

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/angleto/wacore/store"
)

// unmarshalExternalBlobReference decodes the protobuf-shaped handle a
// `<snapshot>` node's content carries, naming the blob BlobStore.Download
// fetches (spec.md §4.5.4 step 2).
func unmarshalExternalBlobReference(data []byte) (store.ExternalBlobReference, error) {
	var ref store.ExternalBlobReference
	err := forEachField(data, func(num protowire.Number, typ protowire.Type, data []byte) ([]byte, error) {
		switch num {
		case 1:
			v, n, err := consumeBytes(data)
			if err != nil {
				return nil, err
			}
			ref.DirectURL = string(v)
			return data[n:], nil
		case 2:
			v, n, err := consumeBytes(data)
			if err != nil {
				return nil, err
			}
			ref.MediaKey = v
			return data[n:], nil
		case 3:
			v, n, err := consumeBytes(data)
			if err != nil {
				return nil, err
			}
			ref.FileSHA256 = v
			return data[n:], nil
		default:
			return skipField(data, typ)
		}
	})
	if err != nil {
		return store.ExternalBlobReference{}, fmt.Errorf("appstate: decode external blob reference: %w", err)
	}
	return ref, nil
}
