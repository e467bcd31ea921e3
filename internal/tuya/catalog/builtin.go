package catalog

// Fingerbot mappings shared by several products.
var (
	cubeTouch = &Fingerbot{
		Switch:           1,
		Mode:             2,
		UpPosition:       5,
		DownPosition:     6,
		HoldTime:         3,
		ReversePositions: 4,
	}
	fingerbotPlus = &Fingerbot{
		Switch:           2,
		Mode:             8,
		UpPosition:       15,
		DownPosition:     9,
		HoldTime:         10,
		ReversePositions: 11,
		ManualControl:    17,
		Program:          121,
	}
	fingerbot = &Fingerbot{
		Switch:           2,
		Mode:             8,
		UpPosition:       15,
		DownPosition:     9,
		HoldTime:         10,
		ReversePositions: 11,
		Program:          121,
	}
)

// builtinProducts is the database of known products.
func builtinProducts() []Product {
	out := []Product{
		{Category: "co2bj", ProductID: "59s19z5m", Name: "CO2 Detector"},
		{Category: "szjqr", ProductID: "3yqdo5yt", Name: "CUBETOUCH 1s", Fingerbot: cubeTouch},
		{Category: "szjqr", ProductID: "xhf790if", Name: "CubeTouch II", Fingerbot: cubeTouch},
		{Category: "wsdcg", ProductID: "ojzlzzsw", Name: "Soil moisture sensor"},
		{Category: "znhsb", ProductID: "cdlandip", Name: "Smart water bottle"},
		{Category: "ggq", ProductID: "6pahkcau", Name: "Irrigation computer"},
	}
	out = appendFamily(out, "ms", "Smart Lock", nil, "ludzroix", "isk2p555", "isljqiq1")
	out = appendFamily(out, "szjqr", "Fingerbot Plus", fingerbotPlus, "blliqpsj", "ndvkgsrm", "yiihr7zh", "neq16kgd")
	out = appendFamily(out, "szjqr", "Fingerbot", fingerbot,
		"ltak7e1p", "y6kttvd6", "yrnk7mnn", "nvr2rocq", "bnt7wajf", "rvdceqjh", "5xhbk964")
	out = appendFamily(out, "wk", "Thermostatic Radiator Valve", nil, "drlajpqc", "nhj2j7su")
	return out
}

// appendFamily adds one product per id sharing the same description.
func appendFamily(out []Product, category, name string, fb *Fingerbot, ids ...string) []Product {
	for _, id := range ids {
		out = append(out, Product{Category: category, ProductID: id, Name: name, Fingerbot: fb})
	}
	return out
}
