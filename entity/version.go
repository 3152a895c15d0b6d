package entity

// NextVersion classifies an incoming version of a replicated record against the stored one.
// It returns apply=true only for current+1. Versions at or below current were already
// applied (redelivery) and are skipped. Anything further ahead arrived out of order.
func NextVersion(entityName, id string, current, incoming int64) (apply bool, err error) {
	switch {
	case incoming == current+1:
		return true, nil
	case incoming <= current:
		return false, nil
	default:
		return false, ConflictError{
			Entity:   entityName,
			ID:       id,
			Expected: current + 1,
			Actual:   incoming,
		}
	}
}
