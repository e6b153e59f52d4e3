// Package fixtures 提供测试用的 DDR 样例数据.
package fixtures

import (
	"github.com/BaSui01/ddrflow/rag"
)

// Wellbore 是样例井名.
const Wellbore = "15/9-F-12"

// 样例中的实体 ID.
const (
	GasLow     = "f12_gas_0"
	GasMid     = "f12_gas_1"
	GasHigh    = "f12_gas_2"
	StuckPipe  = "f12_anomaly_stuck"
	ActDrill   = "f12_activity_0"
	ActCircul  = "f12_activity_1"
	ActCore    = "f12_activity_2"
	ActTrip    = "f12_activity_3"
	LithSand   = "f12_lith_0"
	LithShale  = "f12_lith_1"
	Depth2850  = "f12_depth_2850"
	FluidOBM   = "f12_fluid_0"
	SourceDay1 = "ddr_2024_01_01.pdf"
	SourceDay2 = "ddr_2024_01_02.pdf"
	SourceDay3 = "ddr_2024_01_03.pdf"
)

// 样例向量空间的四个维度：气测、岩性、作业、泥浆.
var (
	AxisGas       = []float64{1, 0, 0, 0}
	AxisLithology = []float64{0, 1, 0, 0}
	AxisActivity  = []float64{0, 0, 1, 0}
	AxisMud       = []float64{0, 0, 0, 1}
)

// Dimensions 是样例向量维度.
const Dimensions = 4

// DDRGraph 构建样例知识图：三个气测读数 {0.8, 1.5, 2.0}% 分别位于
// {2800, 2850, 2900} m，另有一个缺少 gas_percentage 的卡钻异常.
func DDRGraph() *rag.KnowledgeGraph {
	b := rag.NewGraphBuilder(nil)
	entities := []rag.Entity{
		{ID: Wellbore, Type: rag.EntityWellbore, Attributes: map[string]any{
			"operator": "Equinor", "rig": "Maersk Integrator", "depth_md": 3100.0,
		}},
		{ID: ActDrill, Type: rag.EntityActivity, Source: SourceDay1, Attributes: map[string]any{
			"wellbore": Wellbore, "activity_type": "drilling", "depth": 2800.0,
			"start_time": "00:00", "end_time": "06:00", "state": "ok", "remark": "Drilled 8 1/2in hole",
		}},
		{ID: ActCircul, Type: rag.EntityActivity, Source: SourceDay1, Attributes: map[string]any{
			"wellbore": Wellbore, "activity_type": "circulating", "depth": 2850.0,
			"start_time": "06:00", "end_time": "08:00", "state": "ok", "remark": "Circulated bottoms up",
		}},
		{ID: ActCore, Type: rag.EntityActivity, Source: SourceDay2, Attributes: map[string]any{
			"wellbore": Wellbore, "activity_type": "coring", "depth": 2855.0,
			"start_time": "08:00", "end_time": "14:00", "state": "ok", "remark": "Cut core #1 2855-2873 m",
		}},
		{ID: ActTrip, Type: rag.EntityActivity, Source: SourceDay2, Attributes: map[string]any{
			"wellbore": Wellbore, "activity_type": "tripping", "depth": 2873.0,
			"start_time": "14:00", "end_time": "20:00", "state": "fail", "remark": "Tight hole while pulling out",
		}},
		{ID: LithSand, Type: rag.EntityLithology, Source: SourceDay1, Attributes: map[string]any{
			"wellbore": Wellbore, "description": "Sandstone, fine grained", "start_depth": 2790.0, "end_depth": 2860.0,
		}},
		{ID: LithShale, Type: rag.EntityLithology, Source: SourceDay2, Attributes: map[string]any{
			"wellbore": Wellbore, "description": "Claystone with shale stringers", "start_depth": 2860.0,
		}},
		{ID: Depth2850, Type: rag.EntityDepth, Attributes: map[string]any{"wellbore": Wellbore, "depth": 2850.0}},
		{ID: GasLow, Type: rag.EntityAnomaly, Source: SourceDay1, Attributes: map[string]any{
			"wellbore": Wellbore, "anomaly_type": "gas_reading", "gas_percentage": 0.8, "depth": 2800.0,
		}},
		{ID: GasHigh, Type: rag.EntityAnomaly, Source: SourceDay3, Attributes: map[string]any{
			"wellbore": Wellbore, "anomaly_type": "gas_reading", "gas_percentage": 2.0, "depth": 2900.0, "c1_ppm": 15400.0,
		}},
		{ID: GasMid, Type: rag.EntityAnomaly, Source: SourceDay1, Attributes: map[string]any{
			"wellbore": Wellbore, "anomaly_type": "gas_reading", "gas_percentage": 1.5, "depth": 2850.0, "c1_ppm": 9800.0,
		}},
		{ID: StuckPipe, Type: rag.EntityAnomaly, Source: SourceDay2, Attributes: map[string]any{
			"wellbore": Wellbore, "anomaly_type": "stuck_pipe", "depth": 2873.0,
		}},
		{ID: FluidOBM, Type: rag.EntityFluid, Attributes: map[string]any{
			"wellbore": Wellbore, "fluid_type": "OBM", "density": 1.32,
		}},
	}
	for _, e := range entities {
		must(b.AddEntity(e))
	}

	rels := []rag.Relation{
		{From: Wellbore, To: ActDrill, Type: rag.RelationSpatial, Label: "HAS_ACTIVITY"},
		{From: Wellbore, To: ActCircul, Type: rag.RelationSpatial, Label: "HAS_ACTIVITY"},
		{From: Wellbore, To: ActCore, Type: rag.RelationSpatial, Label: "HAS_ACTIVITY"},
		{From: Wellbore, To: ActTrip, Type: rag.RelationSpatial, Label: "HAS_ACTIVITY"},
		{From: Wellbore, To: LithSand, Type: rag.RelationSpatial, Label: "HAS_LITHOLOGY"},
		{From: Wellbore, To: LithShale, Type: rag.RelationSpatial, Label: "HAS_LITHOLOGY"},
		{From: Wellbore, To: FluidOBM, Type: rag.RelationSpatial, Label: "USES_FLUID"},
		{From: ActDrill, To: ActCircul, Type: rag.RelationTemporal, Label: "NEXT"},
		{From: ActCircul, To: ActCore, Type: rag.RelationTemporal, Label: "NEXT"},
		{From: ActCore, To: ActTrip, Type: rag.RelationTemporal, Label: "NEXT"},
		{From: ActCircul, To: Depth2850, Type: rag.RelationSpatial, Label: "AT_DEPTH"},
		{From: GasMid, To: Depth2850, Type: rag.RelationSpatial, Label: "AT_DEPTH"},
		{From: ActCircul, To: GasMid, Type: rag.RelationCausal, Label: "REVEALED", Weight: 0.6},
		{From: ActTrip, To: StuckPipe, Type: rag.RelationCausal, Label: "CAUSED", Weight: 0.8},
		// 同一对实体之间的第二条关系
		{From: ActCore, To: ActTrip, Type: rag.RelationCausal, Label: "CAUSED", Weight: 0.3},
	}
	for _, r := range rels {
		must(b.AddRelation(r))
	}
	g, err := b.Build()
	must(err)
	return g
}

// DDRPassages 返回样例段落，向量落在四个轴附近.
func DDRPassages() []*rag.Passage {
	meta := rag.PassageMetadata{Wellbore: Wellbore, Operator: "Equinor", Period: "2024-01-01"}
	return []*rag.Passage{
		{
			ID: "p_gas", Source: SourceDay1, Metadata: meta,
			Text:      "Gas readings: 2850m 1.5% (C1 9800 ppm), background gas 0.8% at 2800m.",
			Embedding: []float64{0.9, 0.1, 0.1, 0},
		},
		{
			ID: "p_lith", Source: SourceDay1, Metadata: meta,
			Text:      "Lithology: 2790-2860m sandstone, fine grained, good porosity.",
			Embedding: []float64{0.1, 0.95, 0.05, 0},
		},
		{
			ID: "p_ops", Source: SourceDay2, Metadata: rag.PassageMetadata{Wellbore: Wellbore, Operator: "Equinor", Period: "2024-01-02"},
			Text:      "Operations: cut core #1 from 2855 to 2873m, pulled out, tight hole observed.",
			Embedding: []float64{0.05, 0.2, 0.95, 0},
		},
		{
			ID: "p_other", Source: "ddr_other_well.pdf",
			Metadata:  rag.PassageMetadata{Wellbore: "15/9-F-14", Operator: "Equinor"},
			Text:      "Ran 9 5/8in casing to 2500m and cemented.",
			Embedding: []float64{0, 0, 0.9, 0.3},
		},
	}
}

// DDRIndex 用 DDRPassages 构建向量索引.
func DDRIndex() *rag.VectorIndex {
	idx, err := rag.NewVectorIndex(DDRPassages(), nil)
	must(err)
	return idx
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}
