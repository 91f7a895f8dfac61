package shared

import "fmt"

// ContractProgressKey builds redis keys for cached contract delivery progress.
func ContractProgressKey(contractID int64) string {
	return fmt.Sprintf("contract:%d:progress", contractID)
}
