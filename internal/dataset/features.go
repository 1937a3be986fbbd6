package dataset

import "amrcore/internal/ml"

// Feature column names shared by training and prediction.
const (
	FeatureSpecies    = "species"
	FeatureGenus      = "bacteria_genus"
	FeatureSampleSite = "submitted_sample"
	FeatureSIRPrefix  = "S/I/R_"
)

// SIRFeature is the feature column of one SIR drug.
func SIRFeature(drug string) string { return FeatureSIRPrefix + drug }

// Features builds the categorical feature record of one report. When
// sirColumns is non-nil only those drugs contribute SIR features.
func Features(species, genus, sampleSite string, sir map[string]string, sirColumns []string) ml.Record {
	r := ml.Record{
		FeatureSpecies:    species,
		FeatureGenus:      genus,
		FeatureSampleSite: sampleSite,
	}
	if sirColumns == nil {
		for drug, symbol := range sir {
			r[SIRFeature(drug)] = symbol
		}
		return r
	}
	for _, drug := range sirColumns {
		if symbol := sir[drug]; symbol != "" {
			r[SIRFeature(drug)] = symbol
		}
	}
	return r
}
