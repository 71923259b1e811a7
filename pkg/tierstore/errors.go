package tierstore

// Fixed failure reasons the daemon reports in Result.Err. The miss
// contract differs per class: the cache classes report a miss as a
// successful result with nil Data, while cold_storage, ephemeral and
// archive report Success=false with ErrKeyNotFound.
const (
	ErrKeyNotFound = "Key not found"
	ErrKeyExpired  = "Key expired"
)

// IsMiss reports whether a result is a miss under either contract.
func IsMiss(res *Result) bool {
	if res == nil {
		return false
	}
	if res.Success {
		return res.Data == nil
	}
	return res.Err == ErrKeyNotFound || res.Err == ErrKeyExpired
}
