package core

import "errors"

var (
	ErrNoPeers              = errors.New("no online peers available")
	ErrPeerNotReady         = errors.New("peer did not answer readiness check")
	ErrTransferTimeout      = errors.New("reliable transfer timed out")
	ErrPrefixTooLong        = errors.New("message prefix exceeds maximum length")
	ErrDuplicateTransaction = errors.New("chunk hash already committed or pending")
	ErrInvalidBlock         = errors.New("block rejected")
	ErrInvalidChain         = errors.New("chain failed validation")
	ErrChainNotLonger       = errors.New("candidate chain is not longer than local chain")
	ErrShardNotFound        = errors.New("shard not found in local storage")
	ErrHolderNotFound       = errors.New("no holder recorded for shard")
	ErrManifestNotFound     = errors.New("manifest not found")
	ErrFileNotIndexed       = errors.New("file not found in file index")
	ErrDecryptFailed        = errors.New("shard decryption failed")
	ErrHashMismatch         = errors.New("shard hash mismatch")
	ErrStorageFull          = errors.New("storage capacity exceeded")
	ErrDownloadInProgress   = errors.New("download already in progress")
)
