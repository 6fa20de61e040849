package utils

import (
	"fmt"
	"strings"
)

// FormTripID forms a trip id in the format `{agency_id}:{offer_id}`.
func FormTripID(agencyID, offerID string) string {
	if agencyID == "" || offerID == "" {
		return ""
	}
	return agencyID + ":" + offerID
}

// ExtractAgencyIDAndOfferID splits a trip id in the format `{agency_id}:{offer_id}`.
func ExtractAgencyIDAndOfferID(tripID string) (string, string, error) {
	parts := strings.SplitN(tripID, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid trip id: %s", tripID)
	}
	return parts[0], parts[1], nil
}
