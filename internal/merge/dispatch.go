package merge

import "github.com/posnorm/ingest/internal/posmodel"

func buildDispatchDecision(orderRaw *posmodel.OrderRawParsed, items []posmodel.NormalizedItem, groups []posmodel.GroupResult, overallNeedsReview bool) DispatchDecision {
	var reasons []string
	if orderRaw.NeedsReview {
		reasons = append(reasons, "order_raw_needs_review")
	}
	for _, item := range items {
		if item.NeedsReview {
			reasons = append(reasons, "item_needs_review")
			break
		}
	}
	for _, group := range groups {
		if group.NeedsReview {
			reasons = append(reasons, "group_needs_review")
			break
		}
	}
	for _, item := range items {
		if item.ItemCode == nil {
			reasons = append(reasons, "missing_item_code")
			break
		}
	}
	for _, item := range items {
		if item.Qty <= 0 {
			reasons = append(reasons, "invalid_qty")
			break
		}
	}

	shouldReview := overallNeedsReview || len(reasons) > 0
	route := routeAutoDispatch
	if shouldReview {
		route = routeReviewQueue
	}
	return DispatchDecision{
		Route:              route,
		ShouldAutoDispatch: !shouldReview,
		Reasons:            reasons,
	}
}
