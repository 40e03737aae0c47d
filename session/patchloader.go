package session

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/angleto/wacore/binary"
	"github.com/angleto/wacore/dispatcher"
)

// syncPullTimeout is the sync-pull round-trip bound spec.md §5 names.
const syncPullTimeout = 120 * time.Second

// iqSender is the one capability iqPatchLoader needs from Session: send a
// request-tagged node and wait for its reply. Narrowing to an interface
// keeps the loader testable without a live transport/handshake.
type iqSender interface {
	SendIQ(ctx context.Context, n *binary.Node, timeout time.Duration) (*binary.Node, error)
}

// iqPatchLoader implements store.PatchLoader by wrapping collection queries
// and patch uploads in `<iq><sync><collection>…</collection></sync></iq>`,
// per spec.md §6's `<sync>` node taxonomy, and round-tripping them through
// the session's RequestRouter rather than importing dispatcher reentrantly
// (spec.md §9's cyclic-reference note).
type iqPatchLoader struct {
	session iqSender
}

func (l *iqPatchLoader) QueryCollection(ctx context.Context, collection string, fromVersion uint64) (*binary.Node, error) {
	id, err := dispatcher.NewRequestID()
	if err != nil {
		return nil, err
	}

	query := &binary.Node{
		Tag: "iq",
		Attrs: binary.Attributes{
			"id":    id,
			"type":  "get",
			"xmlns": "w:sync",
		},
		Content: []binary.Node{{
			Tag: "sync",
			Content: []binary.Node{{
				Tag: "collection",
				Attrs: binary.Attributes{
					"name":            collection,
					"version":         strconv.FormatUint(fromVersion, 10),
					"return_snapshot": "true",
				},
			}},
		}},
	}

	reply, err := l.session.SendIQ(ctx, query, syncPullTimeout)
	if err != nil {
		return nil, err
	}
	return extractCollectionNode(reply, collection)
}

func (l *iqPatchLoader) PushPatch(ctx context.Context, collection string, version uint64, patchPayload []byte) (*binary.Node, error) {
	id, err := dispatcher.NewRequestID()
	if err != nil {
		return nil, err
	}

	push := &binary.Node{
		Tag: "iq",
		Attrs: binary.Attributes{
			"id":    id,
			"type":  "set",
			"xmlns": "w:sync",
		},
		Content: []binary.Node{{
			Tag: "sync",
			Content: []binary.Node{{
				Tag: "collection",
				Attrs: binary.Attributes{
					"name":    collection,
					"version": strconv.FormatUint(version, 10),
				},
				Content: []binary.Node{{
					Tag:     "patch",
					Content: patchPayload,
				}},
			}},
		}},
	}

	reply, err := l.session.SendIQ(ctx, push, 0)
	if err != nil {
		return nil, err
	}
	return extractCollectionNode(reply, collection)
}

func extractCollectionNode(reply *binary.Node, collection string) (*binary.Node, error) {
	sync := reply.GetChild("sync")
	if sync == nil {
		return nil, fmt.Errorf("session: iq reply missing <sync>")
	}
	for _, c := range sync.Children() {
		if c.Tag == "collection" && c.GetAttr("name") == collection {
			node := c
			return &node, nil
		}
	}
	return nil, fmt.Errorf("session: iq reply missing <collection name=%q>", collection)
}
