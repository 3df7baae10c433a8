package api

// ListingResolver maps an internal vehicle id to the external platform and
// listing reference the bid engine acts on. The marketplace catalog owns this
// mapping; the engine only reads it.
type ListingResolver interface {
	Resolve(vehicleID string) (platform, listingRef string, ok bool)
}

// StaticResolver is a fixed in-memory mapping, enough for deployments where
// the catalog sync job materializes the table at startup.
type StaticResolver map[string]StaticListing

// StaticListing is one resolved listing.
type StaticListing struct {
	Platform   string
	ListingRef string
}

func (s StaticResolver) Resolve(vehicleID string) (string, string, bool) {
	l, ok := s[vehicleID]
	return l.Platform, l.ListingRef, ok
}
