package match

// Flatten resolves nested maps into dot-notation paths, the shape
// matching-rule field paths are written against. A record like
// {"paymentNetworkData": {"alphaCode": "VI"}} becomes
// {"paymentNetworkData.alphaCode": "VI"}. Non-map values, including
// arrays, are kept as-is under their path.
func Flatten(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	flattenInto(out, "", fields)
	return out
}

func flattenInto(out map[string]any, prefix string, fields map[string]any) {
	for key, value := range fields {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		if nested, ok := value.(map[string]any); ok {
			flattenInto(out, path, nested)
			continue
		}
		out[path] = value
	}
}
