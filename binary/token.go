package binary

// singleByteTokens is the primary token dictionary. Index i corresponds to
// wire byte i; indices below 3 and in the reserved range above are handled
// by the opcode table in tag.go instead of this dictionary.
var singleByteTokens = []string{
	"", "", "",
	"xmlstreamstart", "xmlstreamend", "s.whatsapp.net", "type", "participant",
	"from", "to", "id", "broadcast", "notification", "message", "receipt",
	"read", "read-self", "played", "peer_msg", "sender", "inactive", "hist_sync",
	"retry", "ack", "class", "iq", "get", "set", "result", "error", "xmlns",
	"enc", "pkmsg", "msg", "skmsg", "v", "t", "count", "media", "text",
	"device-identity", "usync", "sid", "mode", "query", "last", "true", "false",
	"index", "context", "devices", "version", "list", "user", "jid", "sync",
	"collection", "name", "return_snapshot", "patch", "key_id", "mutations",
	"snapshot_mac", "patch_mac", "has_more_patches", "call", "offer", "accept",
	"reject", "relaylatency", "status", "chat", "mute", "pin", "starred",
	"ephemeral", "group", "subject", "creation", "owner", "description",
	"announcement", "restrict", "participant-invite", "promote", "demote",
	"remove", "add", "leave", "invite", "code", "expiration", "disappearing_mode",
	"push_name", "notify", "verified_name", "business", "vname", "profile",
	"picture", "preview", "url", "direct_path", "mimetype", "filehash",
	"filesize", "mediakey", "mediakeytimestamp", "thumbnail", "seconds",
	"duration", "caption", "ptt", "gif", "sticker", "location", "latitude",
	"longitude", "name_location", "contact", "vcard", "document", "title",
	"page_count", "image", "video", "streamable", "audio", "waveform",
	"protocol", "app_state_sync_key_share", "app_state_sync_key_request",
	"key_data", "fingerprint", "timestamp", "device_list_metadata",
	"device_list_metadata_version", "recipient_key_index_list", "signature",
	"account_signature", "account_signature_key", "device_signature",
	"companion_enc", "primary_identity_key", "primary_ephemeral_public_key",
	"advsecretkey", "facebook_uuid", "identity_key", "registration_id",
	"signed_pre_key", "pre_key", "pre_key_id", "signed_pre_key_id",
	"wide_signal_pre_key_id", "platform", "web", "mobile", "smba", "smb",
	"battery", "connected", "disconnected", "reason", "duplicate",
	"stream:error", "conflict", "replaced", "failure", "location-404",
	"success", "props", "stream:features", "compress", "resource", "domain",
	"challenge", "response", "auth", "mechanism", "client-hello",
	"server-hello", "client-finish", "handshake", "noise", "passive",
	"active", "pull", "push", "history", "on-demand", "config", "android",
	"ios", "web_message_info", "app_version", "os_version", "manufacturer",
	"os_build_number", "phone_id", "mcc", "mnc",
}

// dictionaries[i] is the extended token table selected by tagDictionary{i}.
var dictionaries = [4][]string{
	{ // dictionary 0: regular/high priority app-state collections
		"regular", "regular_high", "regular_low", "critical_block",
		"critical_unblock_low",
	},
	{ // dictionary 1: receipt/ack subtypes
		"delivery", "deliver", "retry-receipt", "server-error",
	},
	{ // dictionary 2: group action verbs
		"create", "modify", "query-info", "announcement-toggle",
		"locked-toggle",
	},
	{ // dictionary 3: reserved for future token expansion
		"reserved-0", "reserved-1",
	},
}

func tokenIndex(s string) (dict int, idx int, ok bool) {
	for i, t := range singleByteTokens {
		if i >= 3 && t == s {
			return -1, i, true
		}
	}
	for d, table := range dictionaries {
		for i, t := range table {
			if t == s {
				return d, i, true
			}
		}
	}
	return 0, 0, false
}
