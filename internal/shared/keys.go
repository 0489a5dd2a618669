package shared

import "fmt"

// VariantStateKey builds the redis key holding the cached cost state of a variant.
func VariantStateKey(variantID string) string {
	return fmt.Sprintf("costing:variant:%s:state", variantID)
}

// ReceiptSource builds the posting source key of a goods receipt.
func ReceiptSource(receiptID int64) string {
	return fmt.Sprintf("receipt:%d", receiptID)
}

// LandedCostSource builds the posting source key of a landed-cost allocation.
func LandedCostSource(allocationID int64) string {
	return fmt.Sprintf("landed-cost:%d", allocationID)
}
