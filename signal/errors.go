package signal

import "errors"

var (
	ErrBadSignature       = errors.New("signal: signed prekey signature verification failed")
	ErrNoPendingPreKey    = errors.New("signal: no session and no prekey bundle available")
	ErrDuplicateMessage   = errors.New("signal: message counter regression, dropping duplicate")
	ErrReorderingLimit    = errors.New("signal: message exceeds skipped-key reordering limit")
	ErrUnknownSenderKey   = errors.New("signal: no sender-key record for group/sender")
	ErrShortCiphertext    = errors.New("signal: ciphertext shorter than minimum envelope size")
	ErrBadMAC             = errors.New("signal: MAC verification failed")
	ErrInvalidPadding     = errors.New("signal: invalid PKCS-style pad length")
)
